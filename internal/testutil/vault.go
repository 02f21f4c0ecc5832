package testutil

import (
	"scribe/internal/vault"
)

// NewTestVault creates a new in-memory image vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault()
}
