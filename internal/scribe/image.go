package scribe

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// MaxInlineImageBytes is the largest encoded inline image accepted for
// persistence. It keeps a document under the backend's 1 MiB limit.
const MaxInlineImageBytes = 950 * 1024

const dataURLPrefix = "data:"

// ImageRef is the decoded form of an entity's imageUrl field.
type ImageRef interface {
	isImageRef()
}

// NoImage means the entity has no image.
type NoImage struct{}

// InlineImage is a legacy payload embedded as a data URL.
type InlineImage struct {
	MIME string
	// URL is the complete encoded data URL as stored.
	URL string
}

// GalleryRef points at a GalleryImage by id.
type GalleryRef struct {
	ID string
}

func (NoImage) isImageRef()     {}
func (InlineImage) isImageRef() {}
func (GalleryRef) isImageRef()  {}

// ParseImageRef decodes an imageUrl or gallery src field.
func ParseImageRef(s string) ImageRef {
	switch {
	case s == "":
		return NoImage{}
	case strings.HasPrefix(s, dataURLPrefix):
		mime := strings.TrimPrefix(s, dataURLPrefix)
		if i := strings.IndexAny(mime, ";,"); i >= 0 {
			mime = mime[:i]
		}
		return InlineImage{MIME: mime, URL: s}
	default:
		return GalleryRef{ID: s}
	}
}

// Size returns the encoded size of the payload as persisted.
func (i InlineImage) Size() int { return len(i.URL) }

// Oversized reports whether the payload is too large to persist inline.
func (i InlineImage) Oversized() bool { return i.Size() > MaxInlineImageBytes }

// Bytes decodes the payload of the data URL.
func (i InlineImage) Bytes() ([]byte, error) {
	rest := strings.TrimPrefix(i.URL, dataURLPrefix)
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URL")
	}
	if strings.HasSuffix(header, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding data URL: %w", err)
		}
		return data, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding data URL: %w", err)
	}
	return []byte(s), nil
}

// EncodeDataURL builds a base64 data URL from raw image bytes.
func EncodeDataURL(mime string, data []byte) string {
	return dataURLPrefix + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// EntityRef identifies an image-bearing entity by collection and id.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string { return r.Kind + "/" + r.ID }

// imageSlot returns a pointer to the imageUrl field of the referenced entity.
func (p *Project) imageSlot(ref EntityRef) (*string, error) {
	switch ref.Kind {
	case CollectionCharacters:
		for i := range p.Memory.Characters {
			if p.Memory.Characters[i].ID == ref.ID {
				return &p.Memory.Characters[i].ImageURL, nil
			}
		}
	case CollectionLocations:
		for i := range p.Memory.Locations {
			if p.Memory.Locations[i].ID == ref.ID {
				return &p.Memory.Locations[i].ImageURL, nil
			}
		}
	case CollectionPlotPoints:
		for i := range p.Memory.PlotPoints {
			if p.Memory.PlotPoints[i].ID == ref.ID {
				return &p.Memory.PlotPoints[i].ImageURL, nil
			}
		}
	default:
		return nil, fmt.Errorf("%s cannot hold an image", ref.Kind)
	}
	return nil, fmt.Errorf("%s: %w", ref, ErrEntityNotFound)
}

// imageSlots visits every image-bearing entity.
func (p *Project) imageSlots(fn func(ref EntityRef, url *string)) {
	for i := range p.Memory.Characters {
		fn(EntityRef{CollectionCharacters, p.Memory.Characters[i].ID}, &p.Memory.Characters[i].ImageURL)
	}
	for i := range p.Memory.Locations {
		fn(EntityRef{CollectionLocations, p.Memory.Locations[i].ID}, &p.Memory.Locations[i].ImageURL)
	}
	for i := range p.Memory.PlotPoints {
		fn(EntityRef{CollectionPlotPoints, p.Memory.PlotPoints[i].ID}, &p.Memory.PlotPoints[i].ImageURL)
	}
}

// AssignImage makes target the only holder of the gallery image. The
// previous holder's imageUrl is cleared, and any other gallery image the
// target held is released.
func (p *Project) AssignImage(galleryID string, target EntityRef) error {
	g := p.GalleryImage(galleryID)
	if g == nil {
		return fmt.Errorf("gallery image %s: %w", galleryID, ErrEntityNotFound)
	}
	slot, err := p.imageSlot(target)
	if err != nil {
		return err
	}

	p.imageSlots(func(ref EntityRef, url *string) {
		if ref != target && *url == galleryID {
			*url = ""
		}
	})
	for i := range p.Gallery {
		other := &p.Gallery[i]
		if other.ID != galleryID && other.AssignedKind == target.Kind && other.AssignedID == target.ID {
			other.AssignedKind, other.AssignedID = "", ""
		}
	}

	*slot = galleryID
	g.AssignedKind, g.AssignedID = target.Kind, target.ID
	return nil
}

// UnassignImage releases a gallery image and clears the imageUrl of the
// entity holding it.
func (p *Project) UnassignImage(galleryID string) error {
	g := p.GalleryImage(galleryID)
	if g == nil {
		return fmt.Errorf("gallery image %s: %w", galleryID, ErrEntityNotFound)
	}
	p.imageSlots(func(_ EntityRef, url *string) {
		if *url == galleryID {
			*url = ""
		}
	})
	g.AssignedKind, g.AssignedID = "", ""
	return nil
}

// RemoveGalleryImage deletes an image from the gallery and clears every
// reference to it.
func (p *Project) RemoveGalleryImage(galleryID string) error {
	if err := p.UnassignImage(galleryID); err != nil {
		return err
	}
	p.Gallery = slices.DeleteFunc(p.Gallery, func(g GalleryImage) bool { return g.ID == galleryID })
	return nil
}
