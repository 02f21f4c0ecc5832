package scribe

import "io"

// Encryptor encrypts vault payloads at rest. Encryption uses the public key
// only. Decryption requires a passphrase to unlock the private key,
// producing a DecryptionContext.
type Encryptor interface {
	// Setup generates a key pair, stores the public key in plaintext and
	// the private key encrypted with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a DecryptionContext.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory. It is never
// written to disk.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
