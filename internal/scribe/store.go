package scribe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Fields is the field map of a stored document.
type Fields map[string]any

// Document is a single record in the document store.
type Document struct {
	// Path is the full slash-separated document path, e.g.
	// "projects/p1/characters/c1".
	Path string
	// ID is the last path segment.
	ID     string
	Fields Fields
}

// DocumentStore is the remote persistence backend. Paths alternate
// collection and document segments: "projects/{id}/{collection}/{entityId}".
// Only the Project Store, the Synchronizer and the Ledger talk to it.
type DocumentStore interface {
	// Get returns the document at path, or nil if it does not exist.
	Get(ctx context.Context, path string) (*Document, error)

	// List returns the documents directly inside a collection. Documents of
	// nested subcollections are not included.
	List(ctx context.Context, collection string) ([]*Document, error)

	// ListTree returns every document nested below the document at path, at
	// any depth, whether or not its ancestors still exist. The document at
	// path itself is not included.
	ListTree(ctx context.Context, path string) ([]*Document, error)

	// Set merge-writes fields into the document at path, creating it if
	// needed. Fields not present in the write are left untouched.
	Set(ctx context.Context, path string, fields Fields) error

	// Delete removes the document at path. Deleting a missing document is
	// not an error. Subcollections are not removed.
	Delete(ctx context.Context, path string) error

	// BatchDelete removes up to BatchLimit documents in one round trip.
	BatchDelete(ctx context.Context, paths []string) error

	// BatchLimit is the maximum number of operations in one batch.
	BatchLimit() int

	// QueryOwner returns the project metadata documents whose ownerId field
	// equals ownerID, in no particular order.
	QueryOwner(ctx context.Context, ownerID string) ([]*Document, error)

	// WatchOwner establishes a live owner query. fn receives the full result
	// set once immediately and again after every change. The returned
	// function stops the watch.
	WatchOwner(ownerID string, fn func([]*Document)) (func(), error)
}

// ProjectsCollection is the top-level collection of project metadata.
const ProjectsCollection = "projects"

// HistoryCollection is the name of an entity's version log.
const HistoryCollection = "history"

// MetadataHistoryCollection is the name of a project's metadata version log.
const MetadataHistoryCollection = "metadata_history"

// PositionField stores an entity's index in its local list so loads can
// reproduce the local order.
const PositionField = "_position"

// OwnerField is the metadata field the owner query filters on.
const OwnerField = "ownerId"

// ProjectPath returns the metadata document path of a project.
func ProjectPath(projectID string) string {
	return ProjectsCollection + "/" + projectID
}

// CollectionPath returns the path of one of a project's collections.
func CollectionPath(projectID, collection string) string {
	return ProjectPath(projectID) + "/" + collection
}

// JoinPath appends segments to a path.
func JoinPath(base string, segments ...string) string {
	return strings.Join(append([]string{base}, segments...), "/")
}

// SplitPath returns the parent collection path and the document id of a
// document path.
func SplitPath(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidateDocumentPath checks that path names a document: an even number of
// non-empty segments.
func ValidateDocumentPath(path string) error {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 0 {
		return fmt.Errorf("%w: %q is not a document path", ErrInvalidID, path)
	}
	for _, s := range segments {
		if err := ValidateID(s); err != nil {
			return fmt.Errorf("path %q: %w", path, err)
		}
	}
	return nil
}

// ValidateCollectionPath checks that path names a collection: an odd number
// of non-empty segments.
func ValidateCollectionPath(path string) error {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidID, path)
	}
	for _, s := range segments {
		if err := ValidateID(s); err != nil {
			return fmt.Errorf("path %q: %w", path, err)
		}
	}
	return nil
}

// EncodeFields converts a value into a document field map using its JSON
// representation.
func EncodeFields(v any) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding fields: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("encoding fields: %w", err)
	}
	return f, nil
}

// DecodeFields converts a document field map back into a value of type T.
// Unknown fields such as PositionField are ignored.
func DecodeFields[T any](f Fields) (T, error) {
	var v T
	data, err := json.Marshal(f)
	if err != nil {
		return v, fmt.Errorf("decoding fields: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decoding fields: %w", err)
	}
	return v, nil
}

// MergeFields merge-writes src into dst. Nested maps are merged recursively;
// every other value in src replaces the one in dst.
func MergeFields(dst, src Fields) Fields {
	if dst == nil {
		dst = make(Fields, len(src))
	}
	for k, v := range src {
		if sub, ok := asFields(v); ok {
			if existing, ok := asFields(dst[k]); ok {
				dst[k] = map[string]any(MergeFields(cloneFields(existing), sub))
				continue
			}
			dst[k] = map[string]any(cloneFields(sub))
			continue
		}
		dst[k] = v
	}
	return dst
}

// CloneFields returns a deep copy of f.
func CloneFields(f Fields) Fields {
	return cloneFields(f)
}

// FieldsSize returns the encoded size of a document in bytes.
func FieldsSize(f Fields) (int, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("measuring document: %w", err)
	}
	return len(data), nil
}

func asFields(v any) (Fields, bool) {
	switch m := v.(type) {
	case Fields:
		return m, true
	case map[string]any:
		return Fields(m), true
	}
	return nil, false
}

func cloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Fields:
		return map[string]any(cloneFields(t))
	case map[string]any:
		return map[string]any(cloneFields(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
