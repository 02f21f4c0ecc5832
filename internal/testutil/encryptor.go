package testutil

import (
	"scribe/internal/encryption"
	"scribe/internal/scribe"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() scribe.Encryptor {
	return encryption.NewTestEncryptor()
}
