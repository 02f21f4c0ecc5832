package scribe

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when a mutation is attempted without an
	// authenticated owner.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotOwner is returned when the authenticated owner does not own the
	// project being mutated.
	ErrNotOwner = errors.New("project belongs to another owner")

	// ErrInvalidID is returned for empty identifiers or identifiers that
	// cannot be used as a path segment.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrDocumentTooLarge is returned by stores when a document would exceed
	// the backend's per-document size limit.
	ErrDocumentTooLarge = errors.New("document exceeds size limit")

	// ErrVersionNotFound is returned by Ledger.Restore for an unknown version.
	ErrVersionNotFound = errors.New("version not found")

	// ErrEntityNotFound is returned when an operation names an entity that is
	// not part of the project.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrProjectNotFound is returned when opening a project that exists
	// neither remotely nor in the local journal.
	ErrProjectNotFound = errors.New("project not found")

	// ErrImageNotFound is returned by ImageVault.GetImage for a missing key.
	ErrImageNotFound = errors.New("image not found")

	// ErrWrongPassphrase is returned by Encryptor.Unlock when the passphrase
	// does not open the private key.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrNoProject is returned by Session methods before a project is open.
	ErrNoProject = errors.New("no project open")
)

// TransportError reports a failed backend operation that must surface to the
// caller: metadata writes, full loads, deletions and ledger I/O.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ItemPersistenceError records a single entity that failed to upsert during a
// collection sync. It is collected in SyncResult and never propagated.
type ItemPersistenceError struct {
	Collection string
	ID         string
	Err        error
}

func (e *ItemPersistenceError) Error() string {
	return fmt.Sprintf("persisting %s/%s: %v", e.Collection, e.ID, e.Err)
}

func (e *ItemPersistenceError) Unwrap() error { return e.Err }

// SerializationError reports a version record whose stored content cannot be
// decoded. It affects only that one version.
type SerializationError struct {
	VersionID string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decoding version %s: %v", e.VersionID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
