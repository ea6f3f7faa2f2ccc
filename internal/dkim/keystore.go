// Package dkim implements the domain keystore and RFC 6376 signer for
// outbound mail (spec.md §4.2, §4.3).
package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/ultrazend/internal/logger"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/pkg/distlock"
	"github.com/ignite/ultrazend/internal/store"
)

// ErrDomainNotVerified is returned by GetOrGenerate when the requesting
// domain has not completed sender-domain verification (spec.md §4.2 step 2).
var ErrDomainNotVerified = errors.New("dkim: domain not verified")

const (
	defaultSelector   = "default"
	canonicalization  = "relaxed/relaxed"
	algorithm         = "rsa-sha256"
	lockTTL           = 30 * time.Second
)

// Keystore resolves and provisions per-domain DKIM keypairs (spec.md §4.2).
// Generation is guarded by a domain-keyed distributed lock so that two
// schedulers racing to sign for the same brand-new domain don't each
// generate and persist a competing keypair.
type Keystore struct {
	store         store.DKIMStore
	domains       store.DomainStore
	lock          func(key string) distlock.DistLock
	defaultKeySize int

	// internalKey, when set, is returned for every domain in
	// internalDomains without a Store round-trip (spec.md §4.2 step 1).
	internalDomains map[string]struct{}
	internalKey     *model.DKIMKey

	log *logger.Logger
}

// NewKeystore constructs a Keystore. lockFn builds a fresh DistLock per
// domain key; callers typically pass a closure over distlock.NewLock with
// their shared redis/db handles.
func NewKeystore(s store.DKIMStore, d store.DomainStore, lockFn func(key string) distlock.DistLock, defaultKeySize int, internalDomains []string) *Keystore {
	internal := make(map[string]struct{}, len(internalDomains))
	for _, d := range internalDomains {
		internal[d] = struct{}{}
	}
	return &Keystore{
		store:           s,
		domains:         d,
		lock:            lockFn,
		defaultKeySize:  defaultKeySize,
		internalDomains: internal,
		log:             logger.Named("dkim.keystore"),
	}
}

// SetInternalKey installs the statically provisioned key returned for
// UltraZend-internal domains (spec.md §4.2 step 1).
func (k *Keystore) SetInternalKey(key *model.DKIMKey) {
	k.internalKey = key
}

// GetOrGenerate implements spec.md §4.2's five-step resolution.
func (k *Keystore) GetOrGenerate(ctx context.Context, domainName string) (*model.DKIMKey, error) {
	if _, ok := k.internalDomains[domainName]; ok {
		if k.internalKey == nil {
			return nil, fmt.Errorf("dkim: internal domain %s has no provisioned key", domainName)
		}
		return k.internalKey, nil
	}

	dom, err := k.domains.GetDomainByName(ctx, domainName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDomainNotVerified
		}
		return nil, fmt.Errorf("lookup domain %s: %w", domainName, err)
	}
	if !dom.Verified {
		return nil, ErrDomainNotVerified
	}

	if active, err := k.store.GetActiveDKIMKey(ctx, dom.ID); err == nil {
		return active, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get active dkim key %s: %w", domainName, err)
	}

	lk := k.lock(lockKey(dom.ID))
	acquired, err := lk.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire dkim lock %s: %w", domainName, err)
	}
	if !acquired {
		return nil, fmt.Errorf("dkim: concurrent generation in progress for %s", domainName)
	}
	defer lk.Release(ctx)

	// Re-check after acquiring the lock: another generator may have won
	// the race between our first lookup and taking the lock.
	if active, err := k.store.GetActiveDKIMKey(ctx, dom.ID); err == nil {
		return active, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get active dkim key %s (post-lock): %w", domainName, err)
	}

	if inactive, err := k.store.GetInactiveDKIMKey(ctx, dom.ID); err == nil {
		if err := k.store.ReactivateDKIMKey(ctx, inactive.ID); err != nil {
			return nil, fmt.Errorf("reactivate dkim key %s: %w", domainName, err)
		}
		inactive.Active = true
		k.log.Info("dkim key reactivated", "domain", domainName, "selector", inactive.Selector)
		return inactive, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get inactive dkim key %s: %w", domainName, err)
	}

	key, err := k.generate(dom, defaultSelector)
	if err != nil {
		return nil, err
	}
	if err := k.store.InsertDKIMKey(ctx, key); err != nil {
		return nil, fmt.Errorf("insert dkim key %s: %w", domainName, err)
	}
	k.log.Info("dkim key generated", "domain", domainName, "selector", key.Selector, "key_size", key.KeySize)
	return key, nil
}

// Rotate implements spec.md §4.2's Rotate: deactivate the current active
// key(s) and generate a fresh pair under the given (or derived) selector.
// Callers must publish the new DNS TXT record before this key is used to
// sign outbound mail.
func (k *Keystore) Rotate(ctx context.Context, domainName, newSelector string) (*model.DKIMKey, error) {
	dom, err := k.domains.GetDomainByName(ctx, domainName)
	if err != nil {
		return nil, fmt.Errorf("lookup domain %s: %w", domainName, err)
	}
	if !dom.Verified {
		return nil, ErrDomainNotVerified
	}

	lk := k.lock(lockKey(dom.ID))
	acquired, err := lk.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire dkim lock %s: %w", domainName, err)
	}
	if !acquired {
		return nil, fmt.Errorf("dkim: concurrent rotation in progress for %s", domainName)
	}
	defer lk.Release(ctx)

	if err := k.store.DeactivateDKIMKeys(ctx, dom.ID); err != nil {
		return nil, fmt.Errorf("deactivate dkim keys %s: %w", domainName, err)
	}

	selector := newSelector
	if selector == "" {
		selector = fmt.Sprintf("rotate-%d", time.Now().Unix())
	}

	key, err := k.generate(dom, selector)
	if err != nil {
		return nil, err
	}
	if err := k.store.InsertDKIMKey(ctx, key); err != nil {
		return nil, fmt.Errorf("insert rotated dkim key %s: %w", domainName, err)
	}
	k.log.Info("dkim key rotated", "domain", domainName, "selector", selector)
	return key, nil
}

func (k *Keystore) generate(dom *model.Domain, selector string) (*model.DKIMKey, error) {
	size := k.defaultKeySize
	if size == 0 {
		size = int(model.DKIMKeySize2048)
	}

	priv, err := rsa.GenerateKey(rand.Reader, size)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key (%d bits): %w", size, err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &model.DKIMKey{
		DomainID:         dom.ID,
		Domain:           dom.Name,
		Selector:         selector,
		PrivateKeyPEM:    string(privPEM),
		PublicKeyBase64:  base64.StdEncoding.EncodeToString(pubDER),
		Algorithm:        algorithm,
		Canonicalization: canonicalization,
		KeySize:          model.DKIMKeySize(size),
		Active:           true,
	}, nil
}

func lockKey(domainID string) string {
	return "dkim:keygen:" + domainID
}
