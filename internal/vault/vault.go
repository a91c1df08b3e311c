// Package vault encrypts gateway credentials at rest and reveals them for a single gateway call.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyDerivationInfo  = "mediapay credential vault v1"
	errorOperation     = "vault"
	errorSubjectKey    = "key"
	errorSubjectSeal   = "seal"
	errorSubjectReveal = "reveal"
	errorCodeInvalid   = "invalid"
	errorCodeCipher    = "cipher"
	errorCodeNonce     = "nonce"
	errorCodePersist   = "persist"
	errorCodeLoad      = "load"
	errorCodeCorrupt   = "corrupt"
	errorCodeDecrypt   = "decrypt"
)

// ErrEmptySecret is returned when key material is derived from an empty secret.
var ErrEmptySecret = errors.New("vault secret is empty")

// KeyMaterial is the process-wide vault key. It is read-only once built.
type KeyMaterial struct {
	key [chacha20poly1305.KeySize]byte
}

// NewKeyMaterial derives a 256-bit key from the configured secret with HKDF-SHA256.
func NewKeyMaterial(secret string) (KeyMaterial, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return KeyMaterial{}, payments.WrapError(errorOperation, errorSubjectKey, errorCodeInvalid, ErrEmptySecret)
	}
	var material KeyMaterial
	reader := hkdf.New(sha256.New, []byte(trimmed), nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(reader, material.key[:]); err != nil {
		return KeyMaterial{}, payments.WrapError(errorOperation, errorSubjectKey, errorCodeInvalid, err)
	}
	return material, nil
}

// Option customizes a Vault.
type Option func(*Vault)

// WithRandom replaces the nonce source.
func WithRandom(random io.Reader) Option {
	return func(vault *Vault) {
		if random != nil {
			vault.random = random
		}
	}
}

// Vault implements payments.CredentialSource and payments.CredentialSealer.
// Blobs are nonce || ciphertext, sealed with XChaCha20-Poly1305 and bound to the owner id.
type Vault struct {
	store  payments.CredentialStore
	key    KeyMaterial
	nowFn  func() time.Time
	random io.Reader
}

// New constructs a Vault over a credential store.
func New(store payments.CredentialStore, key KeyMaterial, now func() time.Time, options ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: credential store is nil", payments.ErrInvalidServiceConfig)
	}
	if now == nil {
		now = time.Now
	}
	vault := &Vault{store: store, key: key, nowFn: now, random: rand.Reader}
	for _, option := range options {
		option(vault)
	}
	return vault, nil
}

// Seal encrypts the credential under a fresh nonce and replaces the owner's blob.
func (vault *Vault) Seal(ctx context.Context, ownerID payments.OwnerID, credential payments.Credential) error {
	aead, err := chacha20poly1305.NewX(vault.key.key[:])
	if err != nil {
		return payments.WrapError(errorOperation, errorSubjectSeal, errorCodeCipher, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(credential.Secret())+aead.Overhead())
	if _, err := io.ReadFull(vault.random, nonce); err != nil {
		return payments.WrapError(errorOperation, errorSubjectSeal, errorCodeNonce, err)
	}
	blob := aead.Seal(nonce, nonce, []byte(credential.Secret()), []byte(ownerID.String()))
	if err := vault.store.SaveCredential(ctx, ownerID, blob, vault.nowFn()); err != nil {
		return payments.WrapError(errorOperation, errorSubjectSeal, errorCodePersist, err)
	}
	return nil
}

// Reveal decrypts the owner's credential. A missing blob is ErrCredentialNotConfigured;
// a blob that cannot be opened is ErrCredentialUnavailable.
func (vault *Vault) Reveal(ctx context.Context, ownerID payments.OwnerID) (payments.Credential, error) {
	blob, err := vault.store.LoadCredential(ctx, ownerID)
	if err != nil {
		if errors.Is(err, payments.ErrCredentialNotConfigured) {
			return payments.Credential{}, err
		}
		return payments.Credential{}, payments.WrapError(errorOperation, errorSubjectReveal, errorCodeLoad, err)
	}
	aead, err := chacha20poly1305.NewX(vault.key.key[:])
	if err != nil {
		return payments.Credential{}, payments.WrapError(errorOperation, errorSubjectReveal, errorCodeCipher, fmt.Errorf("%w: %s", payments.ErrCredentialUnavailable, err.Error()))
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return payments.Credential{}, payments.WrapError(errorOperation, errorSubjectReveal, errorCodeCorrupt, payments.ErrCredentialUnavailable)
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(ownerID.String()))
	if err != nil {
		return payments.Credential{}, payments.WrapError(errorOperation, errorSubjectReveal, errorCodeDecrypt, payments.ErrCredentialUnavailable)
	}
	credential, err := payments.NewCredential(string(plaintext))
	if err != nil {
		return payments.Credential{}, payments.WrapError(errorOperation, errorSubjectReveal, errorCodeCorrupt, payments.ErrCredentialUnavailable)
	}
	return credential, nil
}
