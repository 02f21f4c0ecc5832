package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"scribe/internal/scribe"
)

// ErrLocked is returned by EncryptedVault.GetImage before Unlock succeeds.
var ErrLocked = errors.New("vault is locked")

// EncryptedVault encrypts payloads before handing them to another vault.
// Writes only need the public key; reads need the vault to be unlocked
// with the passphrase first.
type EncryptedVault struct {
	next scribe.ImageVault
	enc  scribe.Encryptor

	mu  sync.RWMutex
	dec scribe.DecryptionContext
}

// NewEncryptedVault wraps next so every payload is encrypted with enc.
func NewEncryptedVault(next scribe.ImageVault, enc scribe.Encryptor) *EncryptedVault {
	return &EncryptedVault{next: next, enc: enc}
}

// Unlock opens the private key for subsequent reads.
func (v *EncryptedVault) Unlock(passphrase string) error {
	dec, err := v.enc.Unlock(passphrase)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.dec = dec
	v.mu.Unlock()
	return nil
}

// Lock drops the unlocked private key.
func (v *EncryptedVault) Lock() {
	v.mu.Lock()
	v.dec = nil
	v.mu.Unlock()
}

// Unlocked reports whether reads are possible.
func (v *EncryptedVault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dec != nil
}

// PutImage encrypts the payload and stores the ciphertext. The plaintext
// size is checked before anything is written.
func (v *EncryptedVault) PutImage(ctx context.Context, key string, r io.Reader, size int64) error {
	counter := &countingReader{r: r}
	var ciphertext bytes.Buffer
	if err := v.enc.Encrypt(counter, &ciphertext); err != nil {
		return fmt.Errorf("encrypting image: %w", err)
	}
	if counter.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counter.n)
	}
	return v.next.PutImage(ctx, key, &ciphertext, int64(ciphertext.Len()))
}

// GetImage fetches and decrypts a payload into w.
func (v *EncryptedVault) GetImage(ctx context.Context, key string, w io.Writer) error {
	v.mu.RLock()
	dec := v.dec
	v.mu.RUnlock()
	if dec == nil {
		return ErrLocked
	}

	var ciphertext bytes.Buffer
	if err := v.next.GetImage(ctx, key, &ciphertext); err != nil {
		return err
	}
	if err := dec.Decrypt(&ciphertext, w); err != nil {
		return fmt.Errorf("decrypting image %s: %w", key, err)
	}
	return nil
}

func (v *EncryptedVault) DeleteImage(ctx context.Context, key string) error {
	return v.next.DeleteImage(ctx, key)
}

// ValidateSetup checks the key pair and the wrapped vault.
func (v *EncryptedVault) ValidateSetup(ctx context.Context) error {
	if !v.enc.IsConfigured() {
		return fmt.Errorf("encryption keys not configured")
	}
	return v.next.ValidateSetup(ctx)
}

// Unwrap returns the vault holding the ciphertext.
func (v *EncryptedVault) Unwrap() scribe.ImageVault {
	return v.next
}

// Compile-time check that EncryptedVault implements scribe.ImageVault
var _ scribe.ImageVault = (*EncryptedVault)(nil)
