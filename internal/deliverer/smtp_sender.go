package deliverer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"
)

// smtpSender is the real Sender implementation: connect, EHLO, opportunistic
// STARTTLS, optional AUTH, MAIL/RCPT/DATA, grounded on the pack's
// fenilsonani-email-server delivery engine's deliverToHost shape, with
// connect/greeting/socket timeouts from spec.md §4.9/§6.
type smtpSender struct {
	cfg      Config
	hostname string
}

// NewSMTPSender constructs the production Sender.
func NewSMTPSender(cfg Config, heloHostname string) Sender {
	if heloHostname == "" {
		heloHostname = "localhost"
	}
	return &smtpSender{cfg: cfg, hostname: heloHostname}
}

func (s *smtpSender) Send(ctx context.Context, mxServer, envelopeFrom, envelopeTo string, data []byte) (*SendOutcome, error) {
	addr := net.JoinHostPort(mxServer, "25")

	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.SocketTimeout))

	client, err := smtp.NewClient(conn, mxServer)
	if err != nil {
		return nil, fmt.Errorf("smtp client for %s: %w", mxServer, err)
	}
	defer client.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.GreetingTimeout))
	if err := client.Hello(s.hostname); err != nil {
		return nil, fmt.Errorf("ehlo %s: %w", mxServer, err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: mxServer}
		if err := client.StartTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("starttls %s: %w", mxServer, err)
		}
	}

	if s.cfg.AuthMethod != "" {
		auth, err := s.authFor(mxServer)
		if err != nil {
			return nil, err
		}
		if err := client.Auth(auth); err != nil {
			return nil, fmt.Errorf("auth %s: %w", mxServer, err)
		}
	}

	_ = conn.SetDeadline(time.Now().Add(s.cfg.SocketTimeout))

	if err := client.Mail(envelopeFrom); err != nil {
		return classify(mxServer, err)
	}
	if err := client.Rcpt(envelopeTo); err != nil {
		return classify(mxServer, err)
	}

	w, err := client.Data()
	if err != nil {
		return classify(mxServer, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("data write to %s: %w", mxServer, err)
	}
	if err := w.Close(); err != nil {
		return classify(mxServer, err)
	}

	_ = client.Quit()
	return &SendOutcome{Code: 250, Response: "ok", MXServer: mxServer}, nil
}

// authFor maps the configured auth method to an smtp.Auth. Both "plain"
// and "login" authenticate with the PLAIN mechanism; the LOGIN mechanism
// itself is not implemented.
func (s *smtpSender) authFor(mxServer string) (smtp.Auth, error) {
	switch s.cfg.AuthMethod {
	case "plain":
		return smtp.PlainAuth("", s.cfg.AuthUsername, s.cfg.AuthPassword, mxServer), nil
	case "login":
		return smtp.PlainAuth("", s.cfg.AuthUsername, s.cfg.AuthPassword, mxServer), nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", s.cfg.AuthMethod)
	}
}

// classify extracts the SMTP response code from a *textproto.Error so
// the Deliverer's outcome switch can dispatch on it directly, rather
// than string-matching the error text.
func classify(mxServer string, err error) (*SendOutcome, error) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &SendOutcome{Code: tpErr.Code, Response: tpErr.Msg, MXServer: mxServer}, nil
	}
	return nil, fmt.Errorf("smtp transaction with %s: %w", mxServer, err)
}
