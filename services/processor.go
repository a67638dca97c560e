package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/boki-dk/boki/dawa"
	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
	"github.com/boki-dk/boki/storage"
)

var (
	// ErrNothingToDo means the work queue was empty for this invocation.
	ErrNothingToDo = errors.New("services: nothing to do")
	// ErrNoValidAddress means the record was rejected because its address
	// could not be cleansed to a valid canonical address.
	ErrNoValidAddress = errors.New("services: no valid address for listing")
)

// AddressResolver is the address-cleansing boundary the processor depends on,
// satisfied by *dawa.Client.
type AddressResolver interface {
	Cleanse(ctx context.Context, freeText string) (*dawa.CleansedAddress, error)
	Resolve(ctx context.Context, addressID string) (*dawa.ResolvedAddress, error)
}

// Processor turns staged records into normalized listings, one at a time.
// Each record is promoted at most once even under concurrent invocations.
type Processor struct {
	store    storage.PromotionStore
	adapter  scraper.Adapter
	resolver AddressResolver
	logger   *zap.SugaredLogger
}

// NewProcessor creates a Processor for one source.
func NewProcessor(store storage.PromotionStore, adapter scraper.Adapter, resolver AddressResolver, logger *zap.SugaredLogger) *Processor {
	return &Processor{store: store, adapter: adapter, resolver: resolver, logger: logger}
}

// ProcessOne picks the next unprocessed staged record for the source, fetches
// its detail page, cleanses and resolves its address, and promotes it.
//
// Returns ErrNothingToDo when the queue is empty, ErrNoValidAddress when the
// record was rejected (a terminal outcome, not a retry), ErrAlreadyPromoted
// when a concurrent invocation won the race, and a plain error for transient
// failures that leave the record unprocessed.
func (p *Processor) ProcessOne(ctx context.Context) (*models.Listing, error) {
	source := p.adapter.Source()

	rec, err := p.store.NextUnprocessed(ctx, source)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNothingToDo
	}
	if err != nil {
		return nil, err
	}

	p.logger.Infof("[processor] %s processing %s", source, rec.ExternalID)

	detailURL, err := p.adapter.DetailURL(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("detail url for %s/%s: %w", source, rec.ExternalID, err)
	}

	detail, err := p.adapter.FetchDetail(ctx, detailURL)
	if err != nil {
		return nil, fmt.Errorf("fetch detail %s: %w", detailURL, err)
	}

	fallback, err := p.adapter.FallbackFields(rec.Payload)
	if err != nil {
		p.logger.Warnf("[processor] %s/%s staged payload unusable as fallback: %v", source, rec.ExternalID, err)
		fallback = &models.DetailFields{}
	}
	merged := mergeFields(detail, fallback)

	addrText, err := p.adapter.AddressText(rec.Payload)
	if err != nil || addrText == "" {
		return nil, p.reject(ctx, rec, "no address text")
	}

	cleansed, err := p.resolver.Cleanse(ctx, addrText)
	if err != nil {
		return nil, fmt.Errorf("cleanse %q: %w", addrText, err)
	}
	if !cleansed.Valid() {
		return nil, p.reject(ctx, rec, fmt.Sprintf("address %q did not cleanse to a valid address", addrText))
	}

	resolved, err := p.resolver.Resolve(ctx, cleansed.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve address %s: %w", cleansed.ID, err)
	}

	promo := buildPromotion(source, detailURL, resolved, merged)
	listing, err := p.store.Promote(ctx, rec.ID, promo)
	if err != nil {
		return nil, err
	}

	p.logger.Infof("[processor] %s promoted %s -> listing %d (%s)", source, rec.ExternalID, listing.ID, promo.Address.Slug)
	return listing, nil
}

func (p *Processor) reject(ctx context.Context, rec *models.ScrapedRecord, reason string) error {
	p.logger.Infof("[processor] %s rejecting %s: %s", rec.Source, rec.ExternalID, reason)
	if err := p.store.RejectScraped(ctx, rec.ID); err != nil {
		return fmt.Errorf("reject %s/%s: %w", rec.Source, rec.ExternalID, err)
	}
	return ErrNoValidAddress
}

// mergeFields overlays detail-page fields on top of the staged payload's
// fields. The detail page wins wherever it has a value; status always comes
// from the detail page since the staged payload may be stale.
func mergeFields(detail, fallback *models.DetailFields) *models.DetailFields {
	merged := *detail

	if merged.Title == "" {
		merged.Title = fallback.Title
	}
	if merged.Description == "" {
		merged.Description = fallback.Description
	}
	if merged.Type == "" {
		merged.Type = fallback.Type
	}
	if merged.Price == nil {
		merged.Price = fallback.Price
	}
	if merged.AreaLand == nil {
		merged.AreaLand = fallback.AreaLand
	}
	if merged.AreaFloor == nil {
		merged.AreaFloor = fallback.AreaFloor
	}
	if merged.AreaBasement == nil {
		merged.AreaBasement = fallback.AreaBasement
	}
	if merged.Rooms == nil {
		merged.Rooms = fallback.Rooms
	}
	if merged.BedroomCount == nil {
		merged.BedroomCount = fallback.BedroomCount
	}
	if merged.BathroomCount == nil {
		merged.BathroomCount = fallback.BathroomCount
	}
	if merged.EnergyClass == nil {
		merged.EnergyClass = fallback.EnergyClass
	}
	if merged.Floors == nil {
		merged.Floors = fallback.Floors
	}
	if merged.YearBuilt == nil {
		merged.YearBuilt = fallback.YearBuilt
	}
	if merged.YearRenovated == nil {
		merged.YearRenovated = fallback.YearRenovated
	}
	if len(merged.Images) == 0 {
		merged.Images = fallback.Images
	}
	if len(merged.FloorplanImages) == 0 {
		merged.FloorplanImages = fallback.FloorplanImages
	}

	return &merged
}

func buildPromotion(source models.Source, sourceURL string, addr *dawa.ResolvedAddress, fields *models.DetailFields) *storage.Promotion {
	promo := &storage.Promotion{
		Address: storage.NewAddress{
			Street:         addr.Street,
			HouseNumber:    addr.HouseNumber,
			Floor:          addr.Floor,
			Door:           addr.Door,
			PostalCode:     addr.PostalCode,
			PostalCodeName: addr.PostalCodeName,
			ExtraCity:      addr.ExtraCity,
			LocationX:      addr.X,
			LocationY:      addr.Y,
			DisplayName:    addr.DisplayName,
			Slug:           Slugify(addr.DisplayName),
		},
		TypeName: fields.Type,
		Listing: storage.NewListing{
			Title:         fields.Title,
			Description:   fields.Description,
			Source:        source,
			SourceURL:     sourceURL,
			Status:        fields.Status,
			Price:         fields.Price,
			AreaLand:      fields.AreaLand,
			AreaFloor:     fields.AreaFloor,
			AreaBasement:  fields.AreaBasement,
			Rooms:         fields.Rooms,
			BedroomCount:  fields.BedroomCount,
			BathroomCount: fields.BathroomCount,
			EnergyClass:   fields.EnergyClass,
			Floors:        fields.Floors,
			YearBuilt:     fields.YearBuilt,
			YearRenovated: fields.YearRenovated,
		},
	}

	if main := fields.MainImage(); main != nil {
		promo.Listing.MainImgURL = &main.URL
		promo.Listing.MainImgAlt = main.Alt
	}

	// A listing that vanished before processing still gets promoted so the
	// catalog records it, but without image rows.
	if fields.Status != models.StatusUnlisted {
		for i, img := range fields.Images {
			promo.Images = append(promo.Images, storage.NewImage{URL: img.URL, Alt: img.Alt, Order: i, Kind: models.ImageKindPhoto})
		}
		for i, img := range fields.FloorplanImages {
			promo.Images = append(promo.Images, storage.NewImage{URL: img.URL, Alt: img.Alt, Order: i, Kind: models.ImageKindFloorplan})
		}
	}

	return promo
}
