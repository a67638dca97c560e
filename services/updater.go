package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
	"github.com/boki-dk/boki/storage"
)

// Updater re-checks already-promoted listings against their live detail
// pages, oldest first. Refresh overwrites scalar fields only; addresses,
// types and image rows are fixed at promotion time.
type Updater struct {
	store   storage.RefreshStore
	adapter scraper.Adapter
	logger  *zap.SugaredLogger
}

// NewUpdater creates an Updater for one source.
func NewUpdater(store storage.RefreshStore, adapter scraper.Adapter, logger *zap.SugaredLogger) *Updater {
	return &Updater{store: store, adapter: adapter, logger: logger}
}

// RefreshOne refreshes the stalest non-unlisted listing for the source.
// A page that no longer represents a listing marks it unlisted, which is
// terminal. Both writes are conditional on the listing's updated_at still
// matching what was read, so a concurrent refresh surfaces as
// storage.ErrUpdateConflict instead of a silent lost update.
func (u *Updater) RefreshOne(ctx context.Context) (*models.Listing, error) {
	source := u.adapter.Source()

	listing, err := u.store.OldestRefreshable(ctx, source)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNothingToDo
	}
	if err != nil {
		return nil, err
	}

	u.logger.Infof("[updater] %s refreshing listing %d (%s)", source, listing.ID, listing.SourceURL)

	detail, err := u.adapter.FetchDetail(ctx, listing.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("refresh listing %d: %w", listing.ID, err)
	}

	if detail.Status == models.StatusUnlisted {
		updated, err := u.store.MarkUnlisted(ctx, listing.ID, listing.UpdatedAt)
		if err != nil {
			return nil, err
		}
		u.logger.Infof("[updater] %s listing %d is gone, marked unlisted", source, listing.ID)
		return updated, nil
	}

	upd := updateFromDetail(detail)
	updated, err := u.store.ApplyRefresh(ctx, listing.ID, listing.UpdatedAt, upd)
	if err != nil {
		return nil, err
	}

	if updated.Status != listing.Status {
		u.logger.Infof("[updater] %s listing %d status %s -> %s", source, listing.ID, listing.Status, updated.Status)
	}
	return updated, nil
}

// updateFromDetail maps a freshly fetched detail page onto the mutable
// listing fields. No fallback merge here: the live page is authoritative,
// and a field it dropped is dropped in the catalog too.
func updateFromDetail(d *models.DetailFields) *storage.ListingUpdate {
	upd := &storage.ListingUpdate{
		Title:         d.Title,
		Description:   d.Description,
		Status:        d.Status,
		Price:         d.Price,
		AreaLand:      d.AreaLand,
		AreaFloor:     d.AreaFloor,
		AreaBasement:  d.AreaBasement,
		Rooms:         d.Rooms,
		BedroomCount:  d.BedroomCount,
		BathroomCount: d.BathroomCount,
		EnergyClass:   d.EnergyClass,
		Floors:        d.Floors,
		YearBuilt:     d.YearBuilt,
		YearRenovated: d.YearRenovated,
	}
	if main := d.MainImage(); main != nil {
		upd.MainImgURL = &main.URL
		upd.MainImgAlt = main.Alt
	}
	return upd
}
