package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ScrapedRecord is one raw staged listing as received from a source's list
// endpoint. Rows are unique per (source, external_id) and are never deleted.
//
// Lifecycle: created on first sighting by the crawl engine; payload, hash and
// updated_at change in place when the source's content changes; listing_id and
// processed_at are written exactly once by the reconciliation processor.
// processed_at set with a nil listing_id means "processed but rejected".
type ScrapedRecord struct {
	ID          int64          `db:"id"`
	Source      Source         `db:"source"`
	ExternalID  string         `db:"external_id"`
	Payload     types.JSONText `db:"payload"`
	ContentHash string         `db:"content_hash"`
	ListingID   *int64         `db:"listing_id"`
	ProcessedAt *time.Time     `db:"processed_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Promoted reports whether the record has been turned into a listing.
func (r *ScrapedRecord) Promoted() bool { return r.ListingID != nil }

// Processed reports whether the record has been handled (promoted or rejected).
func (r *ScrapedRecord) Processed() bool { return r.ProcessedAt != nil }

// Candidate is one raw record returned by a source's list endpoint, before it
// is staged. The payload is kept verbatim for hashing and later fallback use.
type Candidate struct {
	ExternalID string
	Payload    []byte
}

// DetailImage is one image reference scraped from a detail page.
type DetailImage struct {
	URL string
	Alt *string
}

// DetailFields is the typed field bag extracted from a source's detail page.
// Every field a page can omit is a pointer so that "absent" and "zero" stay
// distinguishable; nothing here is trusted until the adapter has parsed it.
type DetailFields struct {
	Title           string
	Description     string
	Type            string
	Status          ListingStatus
	Price           *int64
	AreaLand        *int
	AreaFloor       *int
	AreaBasement    *int
	Rooms           *int
	BedroomCount    *int
	BathroomCount   *int
	EnergyClass     *string
	Floors          *int
	YearBuilt       *int
	YearRenovated   *int
	Images          []DetailImage
	FloorplanImages []DetailImage
}

// MainImage returns the first photo, or nil when the page had none.
func (d *DetailFields) MainImage() *DetailImage {
	if len(d.Images) == 0 {
		return nil
	}
	return &d.Images[0]
}
