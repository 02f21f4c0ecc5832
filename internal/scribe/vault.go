package scribe

import (
	"context"
	"io"
)

// ImageVault stores image payloads too large to live inline in a document.
// Payloads are streamed so callers never need to buffer them twice.
type ImageVault interface {
	// PutImage stores an image under key. Storing the same key again
	// replaces it. size is the number of bytes that will be read from r.
	PutImage(ctx context.Context, key string, r io.Reader, size int64) error

	// GetImage writes the image stored under key to w.
	GetImage(ctx context.Context, key string, w io.Writer) error

	// DeleteImage removes an image. Deleting a missing key is not an error.
	DeleteImage(ctx context.Context, key string) error

	// ValidateSetup verifies that the vault is reachable and configured.
	ValidateSetup(ctx context.Context) error
}

// ImageKey returns the vault key of a gallery image.
func ImageKey(projectID, galleryID string) string {
	return projectID + "/" + galleryID
}
