package scribe

import (
	"fmt"
	"slices"
	"strings"
)

// Collection names of the subcollections a project owns.
const (
	CollectionCharacters  = "characters"
	CollectionLocations   = "locations"
	CollectionPlotPoints  = "plotPoints"
	CollectionManuscripts = "manuscripts"
	CollectionGallery     = "gallery"
)

// Collections lists every owned collection in a stable order.
var Collections = []string{
	CollectionCharacters,
	CollectionLocations,
	CollectionPlotPoints,
	CollectionManuscripts,
	CollectionGallery,
}

// Entity is any item stored in one of a project's collections. Its id is
// assigned at creation and never reassigned.
type Entity interface {
	EntityID() string
}

// Character is a person in the story.
type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
	Traits      string `json:"traits"`
	Backstory   string `json:"backstory"`
	ImageURL    string `json:"imageUrl"`
}

func (c Character) EntityID() string { return c.ID }

// Location is a place in the story world.
type Location struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Atmosphere  string `json:"atmosphere"`
	ImageURL    string `json:"imageUrl"`
}

func (l Location) EntityID() string { return l.ID }

// PlotPoint is a beat of the story outline.
type PlotPoint struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Chapter     int    `json:"chapter"`
	ImageURL    string `json:"imageUrl"`
}

func (p PlotPoint) EntityID() string { return p.ID }

// Manuscript is a body of prose.
type Manuscript struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updatedAt"`
}

func (m Manuscript) EntityID() string { return m.ID }

// GalleryImage is a generated or uploaded image. The payload is either
// inline in Src (a data URL) or stored in the image vault under BlobKey.
type GalleryImage struct {
	ID           string `json:"id"`
	Src          string `json:"src"`
	BlobKey      string `json:"blobKey"`
	MimeType     string `json:"mimeType"`
	Prompt       string `json:"prompt"`
	CreatedAt    string `json:"createdAt"`
	AssignedKind string `json:"assignedKind"`
	AssignedID   string `json:"assignedId"`
}

func (g GalleryImage) EntityID() string { return g.ID }

// Assigned reports whether the image is currently claimed by an entity.
func (g GalleryImage) Assigned() bool { return g.AssignedID != "" }

// MemoryCore holds the story-world entities of a project.
type MemoryCore struct {
	Characters []Character `json:"characters"`
	Locations  []Location  `json:"locations"`
	PlotPoints []PlotPoint `json:"plotPoints"`
}

// Project is the root aggregate. Entity fields carry no omitempty tags so that
// a merge-write always overwrites every field, including cleared ones.
type Project struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Synopsis           string         `json:"synopsis"`
	StyleSeed          string         `json:"styleSeed"`
	WritingStyle       string         `json:"writingStyle"`
	ActiveManuscriptID string         `json:"activeManuscriptId"`
	OwnerID            string         `json:"ownerId"`
	LastModified       string         `json:"lastModified"`
	Memory             MemoryCore     `json:"memory"`
	Manuscripts        []Manuscript   `json:"manuscripts"`
	Gallery            []GalleryImage `json:"gallery"`
}

// ProjectMeta is the lightweight metadata record stored at projects/{id}.
type ProjectMeta struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Synopsis           string `json:"synopsis"`
	StyleSeed          string `json:"styleSeed"`
	WritingStyle       string `json:"writingStyle"`
	ActiveManuscriptID string `json:"activeManuscriptId"`
	OwnerID            string `json:"ownerId"`
	LastModified       string `json:"lastModified"`
}

// Meta extracts the metadata subset of the project.
func (p *Project) Meta() ProjectMeta {
	return ProjectMeta{
		ID:                 p.ID,
		Title:              p.Title,
		Synopsis:           p.Synopsis,
		StyleSeed:          p.StyleSeed,
		WritingStyle:       p.WritingStyle,
		ActiveManuscriptID: p.ActiveManuscriptID,
		OwnerID:            p.OwnerID,
		LastModified:       p.LastModified,
	}
}

// ApplyMeta copies the metadata fields onto the project.
func (p *Project) ApplyMeta(m ProjectMeta) {
	p.ID = m.ID
	p.Title = m.Title
	p.Synopsis = m.Synopsis
	p.StyleSeed = m.StyleSeed
	p.WritingStyle = m.WritingStyle
	p.ActiveManuscriptID = m.ActiveManuscriptID
	p.OwnerID = m.OwnerID
	p.LastModified = m.LastModified
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Memory.Characters = slices.Clone(p.Memory.Characters)
	c.Memory.Locations = slices.Clone(p.Memory.Locations)
	c.Memory.PlotPoints = slices.Clone(p.Memory.PlotPoints)
	c.Manuscripts = slices.Clone(p.Manuscripts)
	c.Gallery = slices.Clone(p.Gallery)
	return &c
}

// Manuscript returns the manuscript with the given id, or nil.
func (p *Project) Manuscript(id string) *Manuscript {
	for i := range p.Manuscripts {
		if p.Manuscripts[i].ID == id {
			return &p.Manuscripts[i]
		}
	}
	return nil
}

// GalleryImage returns the gallery image with the given id, or nil.
func (p *Project) GalleryImage(id string) *GalleryImage {
	for i := range p.Gallery {
		if p.Gallery[i].ID == id {
			return &p.Gallery[i]
		}
	}
	return nil
}

// ValidateID checks that id can be used as a document path segment.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	return nil
}

// Validate checks that every entity id is usable and unique within its
// collection.
func (p *Project) Validate() error {
	if err := ValidateID(p.ID); err != nil {
		return fmt.Errorf("project: %w", err)
	}
	checks := []struct {
		name string
		err  error
	}{
		{CollectionCharacters, validateEntityIDs(p.Memory.Characters)},
		{CollectionLocations, validateEntityIDs(p.Memory.Locations)},
		{CollectionPlotPoints, validateEntityIDs(p.Memory.PlotPoints)},
		{CollectionManuscripts, validateEntityIDs(p.Manuscripts)},
		{CollectionGallery, validateEntityIDs(p.Gallery)},
	}
	for _, c := range checks {
		if c.err != nil {
			return fmt.Errorf("%s: %w", c.name, c.err)
		}
	}
	return nil
}

// Entity returns the entity with the given id from a collection.
func (p *Project) Entity(collection, id string) (Entity, bool) {
	switch collection {
	case CollectionCharacters:
		return findEntity(p.Memory.Characters, id)
	case CollectionLocations:
		return findEntity(p.Memory.Locations, id)
	case CollectionPlotPoints:
		return findEntity(p.Memory.PlotPoints, id)
	case CollectionManuscripts:
		return findEntity(p.Manuscripts, id)
	case CollectionGallery:
		return findEntity(p.Gallery, id)
	}
	return nil, false
}

// PutEntity replaces the entity with the same id, or appends it.
func (p *Project) PutEntity(collection string, e Entity) error {
	var ok bool
	switch collection {
	case CollectionCharacters:
		p.Memory.Characters, ok = putEntity(p.Memory.Characters, e)
	case CollectionLocations:
		p.Memory.Locations, ok = putEntity(p.Memory.Locations, e)
	case CollectionPlotPoints:
		p.Memory.PlotPoints, ok = putEntity(p.Memory.PlotPoints, e)
	case CollectionManuscripts:
		p.Manuscripts, ok = putEntity(p.Manuscripts, e)
	case CollectionGallery:
		p.Gallery, ok = putEntity(p.Gallery, e)
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}
	if !ok {
		return fmt.Errorf("%T does not belong in %s", e, collection)
	}
	return nil
}

func findEntity[T Entity](items []T, id string) (Entity, bool) {
	for _, item := range items {
		if item.EntityID() == id {
			return item, true
		}
	}
	return nil, false
}

func putEntity[T Entity](items []T, e Entity) ([]T, bool) {
	v, ok := e.(T)
	if !ok {
		return items, false
	}
	for i := range items {
		if items[i].EntityID() == v.EntityID() {
			items[i] = v
			return items, true
		}
	}
	return append(items, v), true
}
