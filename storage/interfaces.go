package storage

import (
	"context"
	"errors"
	"time"

	"github.com/boki-dk/boki/models"
)

// Sentinel errors shared by every store implementation.
var (
	// ErrNotFound means no row matched; callers usually translate it into
	// a "nothing to do" outcome.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyPromoted is returned by Promote when the in-transaction
	// re-check finds the staged record was promoted by a concurrent caller.
	ErrAlreadyPromoted = errors.New("storage: scraped record already promoted")
	// ErrUpdateConflict is returned by the conditional listing updates when
	// the row's updated_at no longer matches the expected value.
	ErrUpdateConflict = errors.New("storage: listing updated by a concurrent caller")
)

// StagingStore is the raw staging surface the crawl engine writes through.
type StagingStore interface {
	FindScraped(ctx context.Context, source models.Source, externalID string) (*models.ScrapedRecord, error)
	InsertScraped(ctx context.Context, source models.Source, externalID string, payload []byte, contentHash string) error
	UpdateScrapedPayload(ctx context.Context, id int64, payload []byte, contentHash string) error
}

// NewAddress carries the resolved address fields for a promotion.
type NewAddress struct {
	Street         string
	HouseNumber    string
	Floor          *string
	Door           *string
	PostalCode     string
	PostalCodeName string
	ExtraCity      *string
	LocationX      float64
	LocationY      float64
	DisplayName    string
	Slug           string
}

// NewListing carries the normalized listing fields for a promotion.
type NewListing struct {
	Title         string
	Description   string
	Source        models.Source
	SourceURL     string
	Status        models.ListingStatus
	Price         *int64
	AreaLand      *int
	AreaFloor     *int
	AreaBasement  *int
	Rooms         *int
	BedroomCount  *int
	BathroomCount *int
	EnergyClass   *string
	MainImgURL    *string
	MainImgAlt    *string
	Floors        *int
	YearBuilt     *int
	YearRenovated *int
}

// NewImage is one image row to create alongside a promoted listing.
type NewImage struct {
	URL   string
	Alt   *string
	Order int
	Kind  models.ImageKind
}

// Promotion is the full normalized-entity graph created when a staged record
// is promoted: one address, a get-or-create type, one listing, its images.
type Promotion struct {
	Address  NewAddress
	TypeName string
	Listing  NewListing
	Images   []NewImage
}

// PromotionStore is the surface the reconciliation processor works through.
type PromotionStore interface {
	// NextUnprocessed returns one staged record for the source that has
	// neither been promoted nor rejected, or ErrNotFound.
	NextUnprocessed(ctx context.Context, source models.Source) (*models.ScrapedRecord, error)
	// RejectScraped marks a staged record processed without promotion.
	RejectScraped(ctx context.Context, id int64) error
	// Promote atomically creates the normalized entities and stamps the
	// staged record. Returns ErrAlreadyPromoted when a concurrent caller
	// won the race.
	Promote(ctx context.Context, scrapedID int64, promo *Promotion) (*models.Listing, error)
}

// ListingUpdate carries the mutable scalar fields a refresh overwrites.
// Addresses, types and image rows are never touched on refresh.
type ListingUpdate struct {
	Title         string
	Description   string
	Status        models.ListingStatus
	Price         *int64
	AreaLand      *int
	AreaFloor     *int
	AreaBasement  *int
	Rooms         *int
	BedroomCount  *int
	BathroomCount *int
	EnergyClass   *string
	MainImgURL    *string
	MainImgAlt    *string
	Floors        *int
	YearBuilt     *int
	YearRenovated *int
}

// RefreshStore is the surface the update reconciler works through. Both
// mutations are conditional on updated_at still matching expectedUpdatedAt
// and return ErrUpdateConflict otherwise.
type RefreshStore interface {
	// OldestRefreshable returns the non-unlisted listing for the source
	// with the oldest updated_at, or ErrNotFound.
	OldestRefreshable(ctx context.Context, source models.Source) (*models.Listing, error)
	MarkUnlisted(ctx context.Context, id int64, expectedUpdatedAt time.Time) (*models.Listing, error)
	ApplyRefresh(ctx context.Context, id int64, expectedUpdatedAt time.Time, upd *ListingUpdate) (*models.Listing, error)
}
