package scribe

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ScopeKind distinguishes the three kinds of version log.
type ScopeKind int

const (
	ScopeManuscript ScopeKind = iota
	ScopeEntity
	ScopeMetadata
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeManuscript:
		return "manuscript"
	case ScopeEntity:
		return "entity"
	case ScopeMetadata:
		return "metadata"
	}
	return fmt.Sprintf("ScopeKind(%d)", int(k))
}

// Scope names one version log.
type Scope struct {
	Kind       ScopeKind
	ProjectID  string
	Collection string
	EntityID   string
}

// ManuscriptScope is the version log of a manuscript's prose.
func ManuscriptScope(projectID, manuscriptID string) Scope {
	return Scope{
		Kind:       ScopeManuscript,
		ProjectID:  projectID,
		Collection: CollectionManuscripts,
		EntityID:   manuscriptID,
	}
}

// EntityScope is the version log of a non-manuscript entity. Manuscripts
// must use ManuscriptScope.
func EntityScope(projectID, collection, entityID string) (Scope, error) {
	switch collection {
	case CollectionCharacters, CollectionLocations, CollectionPlotPoints, CollectionGallery:
	case CollectionManuscripts:
		return Scope{}, fmt.Errorf("manuscripts are versioned with a manuscript scope")
	default:
		return Scope{}, fmt.Errorf("unknown collection %q", collection)
	}
	return Scope{
		Kind:       ScopeEntity,
		ProjectID:  projectID,
		Collection: collection,
		EntityID:   entityID,
	}, nil
}

// MetadataScope is the version log of a project's metadata.
func MetadataScope(projectID string) Scope {
	return Scope{Kind: ScopeMetadata, ProjectID: projectID}
}

// Path returns the collection path that holds the scope's versions.
func (s Scope) Path() string {
	if s.Kind == ScopeMetadata {
		return CollectionPath(s.ProjectID, MetadataHistoryCollection)
	}
	return JoinPath(CollectionPath(s.ProjectID, s.Collection), s.EntityID, HistoryCollection)
}

// Validate checks that the scope can be turned into a valid path.
func (s Scope) Validate() error {
	if err := ValidateID(s.ProjectID); err != nil {
		return fmt.Errorf("%s scope: %w", s.Kind, err)
	}
	if s.Kind == ScopeMetadata {
		return nil
	}
	if err := ValidateID(s.EntityID); err != nil {
		return fmt.Errorf("%s scope: %w", s.Kind, err)
	}
	return nil
}

func (s Scope) String() string {
	if s.Kind == ScopeMetadata {
		return s.ProjectID + "/metadata"
	}
	return s.ProjectID + "/" + s.Collection + "/" + s.EntityID
}

// VersionRecord is one immutable snapshot in a version log. Content holds
// text verbatim or the JSON encoding of a structured value.
type VersionRecord struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Note      string `json:"note,omitempty"`
}

// Ledger appends and reads version logs.
type Ledger struct {
	store  DocumentStore
	clock  Clock
	idgen  IDGenerator
	logger Logger

	mu   sync.Mutex
	last time.Time
}

// NewLedger creates a Ledger.
func NewLedger(store DocumentStore, clock Clock, idgen IDGenerator, logger Logger) *Ledger {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Ledger{store: store, clock: clock, idgen: idgen, logger: logger}
}

// AppendVersion records content as a new version in scope. Strings and byte
// slices are stored verbatim; any other value is stored as JSON. Empty
// content is ignored and returns nil, nil.
func (l *Ledger) AppendVersion(ctx context.Context, scope Scope, content any, note string) (*VersionRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	text, err := encodeVersionContent(content)
	if err != nil {
		return nil, fmt.Errorf("appending version to %s: %w", scope, err)
	}
	if text == "" {
		return nil, nil
	}

	rec := &VersionRecord{
		ID:        l.idgen.New(),
		Content:   text,
		Timestamp: FormatTimestamp(l.nextTimestamp()),
		Note:      note,
	}
	fields, err := EncodeFields(rec)
	if err != nil {
		return nil, fmt.Errorf("appending version to %s: %w", scope, err)
	}
	path := JoinPath(scope.Path(), rec.ID)
	if err := l.store.Set(ctx, path, fields); err != nil {
		return nil, &TransportError{Op: "append version", Path: path, Err: err}
	}

	l.logger.Debug("version appended", "scope", scope.String(), "version", rec.ID)
	return rec, nil
}

// nextTimestamp returns the current time at millisecond precision, nudged
// forward so timestamps from this ledger strictly increase.
func (l *Ledger) nextTimestamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.clock.Now().UTC().Truncate(time.Millisecond)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Millisecond)
	}
	l.last = ts
	return ts
}

// ListVersions returns every version in scope, newest first. Ties on
// timestamp are broken by id, descending.
func (l *Ledger) ListVersions(ctx context.Context, scope Scope) ([]*VersionRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	docs, err := l.store.List(ctx, scope.Path())
	if err != nil {
		return nil, &TransportError{Op: "list versions", Path: scope.Path(), Err: err}
	}

	versions := make([]*VersionRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := DecodeFields[VersionRecord](doc.Fields)
		if err != nil {
			l.logger.Warn("skipping undecodable version", "path", doc.Path, "error", err)
			continue
		}
		if rec.ID == "" {
			rec.ID = doc.ID
		}
		versions = append(versions, &rec)
	}

	slices.SortFunc(versions, func(a, b *VersionRecord) int {
		ta, _ := ParseTimestamp(a.Timestamp)
		tb, _ := ParseTimestamp(b.Timestamp)
		if c := tb.Compare(ta); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return versions, nil
}

// Restore returns the version with the given id. It does not modify any
// entity; applying the content is up to the caller.
func (l *Ledger) Restore(ctx context.Context, scope Scope, versionID string) (*VersionRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateID(versionID); err != nil {
		return nil, fmt.Errorf("restoring version: %w", err)
	}
	path := JoinPath(scope.Path(), versionID)
	doc, err := l.store.Get(ctx, path)
	if err != nil {
		return nil, &TransportError{Op: "restore version", Path: path, Err: err}
	}
	if doc == nil {
		return nil, fmt.Errorf("%s in %s: %w", versionID, scope, ErrVersionNotFound)
	}
	rec, err := DecodeFields[VersionRecord](doc.Fields)
	if err != nil {
		return nil, &SerializationError{VersionID: versionID, Err: err}
	}
	if rec.ID == "" {
		rec.ID = versionID
	}
	return &rec, nil
}

// DecodeVersion converts a version's content back into a value. Strings and
// byte slices get the content verbatim; other types are decoded from JSON.
func DecodeVersion[T any](rec *VersionRecord) (T, error) {
	var v T
	switch p := any(&v).(type) {
	case *string:
		*p = rec.Content
		return v, nil
	case *[]byte:
		*p = []byte(rec.Content)
		return v, nil
	}
	if err := json.Unmarshal([]byte(rec.Content), &v); err != nil {
		return v, &SerializationError{VersionID: rec.ID, Err: err}
	}
	return v, nil
}

func encodeVersionContent(content any) (string, error) {
	switch c := content.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	case []byte:
		return string(c), nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	// Typed nils and empty values carry nothing worth versioning.
	switch string(data) {
	case "null", "{}", "[]":
		return "", nil
	}
	return string(data), nil
}
