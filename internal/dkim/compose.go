package dkim

import (
	"fmt"
	"time"

	"github.com/domodwyer/mailyak/v3"
	"github.com/ignite/ultrazend/internal/model"
)

// Compose builds the raw RFC 5322 message for job using mailyak for MIME
// assembly (multipart text/html, headers), grounded on the pack's
// caasmo-restinpieces/mail/mail.go usage of the same library. The
// Date and Message-ID headers are set explicitly since both are part of
// the signed-header list (spec.md §4.3).
func Compose(job *model.DeliveryJob) ([]byte, error) {
	mail := mailyak.New("", nil)

	mail.To(job.EnvelopeTo)
	mail.From(job.EnvelopeFrom)
	mail.Subject(job.Subject)

	if job.BodyText != "" {
		mail.Plain().Set(job.BodyText)
	}
	if job.BodyHTML != "" {
		mail.HTML().Set(job.BodyHTML)
	}

	mail.AddHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	mail.AddHeader("Message-Id", fmt.Sprintf("<%s>", job.MessageID))
	for k, v := range job.Headers {
		mail.AddHeader(k, v)
	}

	buf, err := mail.MimeBuf()
	if err != nil {
		return nil, fmt.Errorf("compose mime message %s: %w", job.MessageID, err)
	}
	return buf.Bytes(), nil
}
