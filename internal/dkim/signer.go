package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
	"github.com/ignite/ultrazend/internal/model"
)

// SignedHeaders is the literal signed-header list from spec.md §4.3,
// lowercase field names in this exact order.
var SignedHeaders = []string{"from", "to", "subject", "date", "message-id"}

// Signer produces a DKIM-Signature header for an outbound message
// conforming to RFC 6376, delegating canonicalization and tag-string
// assembly to github.com/emersion/go-msgauth/dkim while exposing the raw
// canonicalization rules separately so they stay independently testable
// (spec.md §4.3, P6).
type Signer struct{}

// NewSigner constructs a Signer. It holds no state; every call is pure
// given the key and message.
func NewSigner() *Signer { return &Signer{} }

// Sign signs rawMessage (a full RFC 5322 message, headers + CRLF CRLF +
// body) with key and returns the signed message with the DKIM-Signature
// header prepended.
func (s *Signer) Sign(rawMessage []byte, key *model.DKIMKey) ([]byte, error) {
	block, _ := pem.Decode([]byte(key.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("dkim: invalid private key PEM for domain %s", key.Domain)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key for domain %s: %w", key.Domain, err)
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 key.Domain,
		Selector:               key.Selector,
		Signer:                 priv,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             SignedHeaders,
	}

	var out bytes.Buffer
	if err := msgauthdkim.Sign(&out, bytes.NewReader(rawMessage), opts); err != nil {
		return nil, fmt.Errorf("dkim: sign message for domain %s: %w", key.Domain, err)
	}
	return out.Bytes(), nil
}

// CanonicalizeHeader applies the relaxed header canonicalization rule
// from spec.md §4.3: lowercased field name, unfolded value with interior
// whitespace collapsed and trailing whitespace stripped.
func CanonicalizeHeader(name, value string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	value = unfold(value)
	value = collapseWhitespace(value)
	value = strings.TrimRight(value, " \t")
	return name + ":" + value
}

// CanonicalizeBody applies the relaxed body canonicalization rule from
// spec.md §4.3: collapse interior runs of SP/HTAB to a single SP, strip
// trailing whitespace on every line, remove trailing empty lines, and
// append exactly one CRLF if the body is non-empty.
func CanonicalizeBody(body []byte) []byte {
	lines := strings.Split(string(body), "\r\n")
	for i, line := range lines {
		line = collapseWhitespace(line)
		lines[i] = strings.TrimRight(line, " \t")
	}

	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	lines = lines[:end]

	if len(lines) == 0 {
		return nil
	}

	out := strings.Join(lines, "\r\n") + "\r\n"
	return []byte(out)
}

var foldedWhitespace = regexp.MustCompile(`\r\n[ \t]+`)
var runsOfWhitespace = regexp.MustCompile(`[ \t]+`)

func unfold(v string) string {
	return foldedWhitespace.ReplaceAllString(v, " ")
}

func collapseWhitespace(v string) string {
	return runsOfWhitespace.ReplaceAllString(v, " ")
}
