package model

import "time"

// DKIMKeySize is a supported RSA key size for DKIM signing (spec.md §3).
type DKIMKeySize int

const (
	DKIMKeySize1024 DKIMKeySize = 1024
	DKIMKeySize2048 DKIMKeySize = 2048
	DKIMKeySize4096 DKIMKeySize = 4096
)

// DKIMKey is a per-domain RSA keypair and selector (spec.md §3).
type DKIMKey struct {
	ID                int64
	DomainID          string
	Domain            string
	Selector          string
	PrivateKeyPEM     string
	PublicKeyBase64   string
	Algorithm         string // "rsa-sha256"
	Canonicalization  string // "relaxed/relaxed"
	KeySize           DKIMKeySize
	Active            bool
	CreatedAt         time.Time
}

// Domain describes a sender domain and its verification state. Domain
// ownership verification itself (DNS instructions, TXT record checks) is
// out of scope here (spec.md §1); only the verified flag is consulted.
type Domain struct {
	ID         string
	Name       string
	TenantID   string
	Verified   bool
	Internal   bool // UltraZend-internal domain, statically keyed (spec.md §4.2)
}
