package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boki-dk/boki/dawa"
	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
	"github.com/boki-dk/boki/storage"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// fakeStore is an in-memory stand-in for the Postgres store. It implements
// the staging, promotion and refresh surfaces with the same error contract,
// including the at-most-once promotion check and the conditional refresh.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	scraped map[string]*models.ScrapedRecord // keyed by source:externalID

	listings   map[int64]*models.Listing
	promotions []*storage.Promotion

	// promoteBarrier, when set, holds every Promote caller until all
	// expected callers have arrived. Lets tests force a promotion race.
	promoteBarrier *sync.WaitGroup
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scraped:  make(map[string]*models.ScrapedRecord),
		listings: make(map[int64]*models.Listing),
	}
}

func (f *fakeStore) key(source models.Source, externalID string) string {
	return string(source) + ":" + externalID
}

func (f *fakeStore) FindScraped(ctx context.Context, source models.Source, externalID string) (*models.ScrapedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.scraped[f.key(source, externalID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) InsertScraped(ctx context.Context, source models.Source, externalID string, payload []byte, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	now := time.Now()
	f.scraped[f.key(source, externalID)] = &models.ScrapedRecord{
		ID:          f.nextID,
		Source:      source,
		ExternalID:  externalID,
		Payload:     payload,
		ContentHash: contentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

func (f *fakeStore) UpdateScrapedPayload(ctx context.Context, id int64, payload []byte, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.scraped {
		if rec.ID == id {
			rec.Payload = payload
			rec.ContentHash = contentHash
			rec.UpdatedAt = time.Now()
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) NextUnprocessed(ctx context.Context, source models.Source) (*models.ScrapedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *models.ScrapedRecord
	for _, rec := range f.scraped {
		if rec.Source != source || rec.Processed() {
			continue
		}
		if oldest == nil || rec.ID < oldest.ID {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (f *fakeStore) RejectScraped(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.scraped {
		if rec.ID == id {
			now := time.Now()
			rec.ProcessedAt = &now
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) Promote(ctx context.Context, scrapedID int64, promo *storage.Promotion) (*models.Listing, error) {
	if f.promoteBarrier != nil {
		f.promoteBarrier.Done()
		f.promoteBarrier.Wait()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var rec *models.ScrapedRecord
	for _, r := range f.scraped {
		if r.ID == scrapedID {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, storage.ErrNotFound
	}
	if rec.Promoted() {
		return nil, storage.ErrAlreadyPromoted
	}

	f.nextID++
	now := time.Now()
	listing := &models.Listing{
		ID:          f.nextID,
		Title:       promo.Listing.Title,
		Description: promo.Listing.Description,
		Source:      promo.Listing.Source,
		SourceURL:   promo.Listing.SourceURL,
		Status:      promo.Listing.Status,
		Price:       promo.Listing.Price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.listings[listing.ID] = listing
	f.promotions = append(f.promotions, promo)

	rec.ListingID = &listing.ID
	rec.ProcessedAt = &now

	cp := *listing
	return &cp, nil
}

func (f *fakeStore) OldestRefreshable(ctx context.Context, source models.Source) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *models.Listing
	for _, l := range f.listings {
		if l.Source != source || l.Status == models.StatusUnlisted {
			continue
		}
		if oldest == nil || l.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = l
		}
	}
	if oldest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (f *fakeStore) MarkUnlisted(ctx context.Context, id int64, expectedUpdatedAt time.Time) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !l.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, storage.ErrUpdateConflict
	}
	l.Status = models.StatusUnlisted
	l.UpdatedAt = time.Now()
	cp := *l
	return &cp, nil
}

func (f *fakeStore) ApplyRefresh(ctx context.Context, id int64, expectedUpdatedAt time.Time, upd *storage.ListingUpdate) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !l.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, storage.ErrUpdateConflict
	}
	l.Title = upd.Title
	l.Description = upd.Description
	l.Status = upd.Status
	l.Price = upd.Price
	l.UpdatedAt = time.Now()
	cp := *l
	return &cp, nil
}

// stageRecord seeds one unprocessed staged record and returns its id.
func (f *fakeStore) stageRecord(source models.Source, externalID string, payload []byte) int64 {
	_ = f.InsertScraped(context.Background(), source, externalID, payload, ContentHash(payload))
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scraped[f.key(source, externalID)].ID
}

// fakeAdapter is a scripted source adapter.
type fakeAdapter struct {
	source models.Source
	pages  []scraper.ListResult
	// pageErrs[i] fails the fetch of page i.
	pageErrs map[int]error
	fetched  int

	details   map[string]*models.DetailFields
	detailErr error
	addrText  string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		source:   models.SourceNybolig,
		pageErrs: make(map[int]error),
		details:  make(map[string]*models.DetailFields),
		addrText: "Testvej 1, 8000 Aarhus C",
	}
}

func (a *fakeAdapter) Source() models.Source { return a.source }

func (a *fakeAdapter) ListPage(ctx context.Context, params scraper.ListParams, pageToken string) (*scraper.ListResult, error) {
	idx := a.fetched
	a.fetched++
	if err, ok := a.pageErrs[idx]; ok {
		return nil, err
	}
	if idx >= len(a.pages) {
		return &scraper.ListResult{}, nil
	}
	res := a.pages[idx]
	return &res, nil
}

func (a *fakeAdapter) DetailURL(payload []byte) (string, error) {
	id, err := scraper.ExternalID(payload)
	if err != nil {
		return "", err
	}
	return "https://example.test/bolig/" + id, nil
}

func (a *fakeAdapter) AddressText(payload []byte) (string, error) {
	return a.addrText, nil
}

func (a *fakeAdapter) FallbackFields(payload []byte) (*models.DetailFields, error) {
	return &models.DetailFields{}, nil
}

func (a *fakeAdapter) FetchDetail(ctx context.Context, url string) (*models.DetailFields, error) {
	if a.detailErr != nil {
		return nil, a.detailErr
	}
	if d, ok := a.details[url]; ok {
		cp := *d
		return &cp, nil
	}
	return &models.DetailFields{Status: models.StatusUnlisted}, nil
}

// fakeResolver is a scripted address resolver.
type fakeResolver struct {
	cleansed   *dawa.CleansedAddress
	cleanseErr error
	resolved   *dawa.ResolvedAddress
	resolveErr error
}

func validResolver() *fakeResolver {
	return &fakeResolver{
		cleansed: &dawa.CleansedAddress{ID: "addr-1", Status: 1, Category: "A"},
		resolved: &dawa.ResolvedAddress{
			ID:             "addr-1",
			Street:         "Testvej",
			HouseNumber:    "1",
			PostalCode:     "8000",
			PostalCodeName: "Aarhus C",
			X:              10.2,
			Y:              56.1,
			DisplayName:    "Testvej 1, 8000 Aarhus C",
		},
	}
}

func (r *fakeResolver) Cleanse(ctx context.Context, freeText string) (*dawa.CleansedAddress, error) {
	return r.cleansed, r.cleanseErr
}

func (r *fakeResolver) Resolve(ctx context.Context, addressID string) (*dawa.ResolvedAddress, error) {
	return r.resolved, r.resolveErr
}
