package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/boki-dk/boki/models"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	pingTimeout     = 5 * time.Second
)

// eligibility holds the per-source predicate a staged payload must satisfy
// before it is considered for promotion. Non-residential and rental records
// are staged but never promoted.
var eligibility = map[models.Source]string{
	models.SourceNybolig: `payload->>'siteName' = 'nybolig'`,
	models.SourceHome:    `payload->>'isExternal' = 'false' AND payload->>'isRentalCase' = 'false'`,
}

const scrapedColumns = `id, source, external_id, payload, content_hash, listing_id, processed_at, created_at, updated_at`

const listingColumns = `id, title, description, source, source_url, address_id, type_id, status,
	price, area_land, area_floor, area_basement, rooms, bedroom_count, bathroom_count,
	energy_class, main_img_url, main_img_alt, floors, year_built, year_renovated,
	created_at, updated_at`

// Store persists the raw staging table and the normalized catalog in
// PostgreSQL. It is the single serialization point for all cross-invocation
// invariants: promotion and refresh races are settled by transactional
// read-check-write on one row, never by application-level locks.
type Store struct {
	db *sqlx.DB
}

// NewStore opens a connection pool, runs schema migrations, and returns a
// ready-to-use Store.
func NewStore(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scraped_listings (
			id           BIGSERIAL PRIMARY KEY,
			source       TEXT        NOT NULL,
			external_id  TEXT        NOT NULL,
			payload      JSONB       NOT NULL,
			content_hash TEXT        NOT NULL,
			listing_id   BIGINT,
			processed_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (source, external_id)
		);

		CREATE TABLE IF NOT EXISTS addresses (
			id               BIGSERIAL PRIMARY KEY,
			street           TEXT        NOT NULL,
			house_number     TEXT        NOT NULL,
			floor            TEXT,
			door             TEXT,
			postal_code      TEXT        NOT NULL,
			postal_code_name TEXT        NOT NULL,
			extra_city       TEXT,
			location_x       DOUBLE PRECISION NOT NULL,
			location_y       DOUBLE PRECISION NOT NULL,
			display_name     TEXT        NOT NULL,
			slug             TEXT        NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS listing_types (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT        UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS listings (
			id             BIGSERIAL PRIMARY KEY,
			title          TEXT        NOT NULL,
			description    TEXT        NOT NULL DEFAULT '',
			source         TEXT        NOT NULL,
			source_url     TEXT        NOT NULL,
			address_id     BIGINT      NOT NULL REFERENCES addresses(id),
			type_id        BIGINT      NOT NULL REFERENCES listing_types(id),
			status         TEXT        NOT NULL DEFAULT 'active'
				CHECK (status IN ('active', 'reserved', 'sold', 'unlisted')),
			price          BIGINT,
			area_land      INTEGER,
			area_floor     INTEGER,
			area_basement  INTEGER,
			rooms          INTEGER,
			bedroom_count  INTEGER,
			bathroom_count INTEGER,
			energy_class   TEXT,
			main_img_url   TEXT,
			main_img_alt   TEXT,
			floors         INTEGER,
			year_built     INTEGER,
			year_renovated INTEGER,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS listing_images (
			id         BIGSERIAL PRIMARY KEY,
			listing_id BIGINT      NOT NULL REFERENCES listings(id),
			url        TEXT        NOT NULL,
			img_order  INTEGER     NOT NULL DEFAULT 0,
			alt        TEXT,
			kind       TEXT        NOT NULL DEFAULT 'image'
				CHECK (kind IN ('image', 'floorplan')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_scraped_unprocessed
			ON scraped_listings(source) WHERE listing_id IS NULL AND processed_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_listings_refresh
			ON listings(source, updated_at) WHERE status <> 'unlisted';
		CREATE INDEX IF NOT EXISTS idx_listings_status  ON listings(status);
		CREATE INDEX IF NOT EXISTS idx_listings_price   ON listings(price);
		CREATE INDEX IF NOT EXISTS idx_addresses_slug   ON addresses(slug);
		CREATE INDEX IF NOT EXISTS idx_images_listing   ON listing_images(listing_id);
	`)
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindScraped looks up a staged record by its natural key.
func (s *Store) FindScraped(ctx context.Context, source models.Source, externalID string) (*models.ScrapedRecord, error) {
	var rec models.ScrapedRecord
	query := `SELECT ` + scrapedColumns + ` FROM scraped_listings WHERE source = $1 AND external_id = $2`

	err := s.db.GetContext(ctx, &rec, query, source, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find scraped %s/%s: %w", source, externalID, err)
	}
	return &rec, nil
}

// InsertScraped stages a record seen for the first time.
func (s *Store) InsertScraped(ctx context.Context, source models.Source, externalID string, payload []byte, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scraped_listings (source, external_id, payload, content_hash)
		VALUES ($1, $2, $3, $4)
	`, source, externalID, payload, contentHash)
	if err != nil {
		return fmt.Errorf("postgres: insert scraped %s/%s: %w", source, externalID, err)
	}
	return nil
}

// UpdateScrapedPayload replaces a staged record's payload after a content
// change. Promotion bookkeeping is deliberately left untouched.
func (s *Store) UpdateScrapedPayload(ctx context.Context, id int64, payload []byte, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scraped_listings
		SET payload = $2, content_hash = $3, updated_at = NOW()
		WHERE id = $1
	`, id, payload, contentHash)
	if err != nil {
		return fmt.Errorf("postgres: update scraped %d: %w", id, err)
	}
	return nil
}

// NextUnprocessed selects one staged record eligible for promotion.
func (s *Store) NextUnprocessed(ctx context.Context, source models.Source) (*models.ScrapedRecord, error) {
	predicate, ok := eligibility[source]
	if !ok {
		return nil, fmt.Errorf("postgres: unknown source %q", source)
	}

	var rec models.ScrapedRecord
	query := `SELECT ` + scrapedColumns + ` FROM scraped_listings
		WHERE source = $1 AND listing_id IS NULL AND processed_at IS NULL AND ` + predicate + `
		ORDER BY id
		LIMIT 1`

	err := s.db.GetContext(ctx, &rec, query, source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: next unprocessed %s: %w", source, err)
	}
	return &rec, nil
}

// RejectScraped marks a staged record processed without promoting it. The
// rejection is permanent; the record is never offered again.
func (s *Store) RejectScraped(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scraped_listings
		SET listing_id = NULL, processed_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("postgres: reject scraped %d: %w", id, err)
	}
	return nil
}

// Promote creates the full normalized graph for a staged record inside one
// transaction. The staged row is re-read under lock first: if another caller
// promoted it between selection and now, nothing is written and
// ErrAlreadyPromoted is returned.
func (s *Store) Promote(ctx context.Context, scrapedID int64, promo *Promotion) (*models.Listing, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin promote: %w", err)
	}
	defer tx.Rollback()

	var rec models.ScrapedRecord
	err = tx.GetContext(ctx, &rec,
		`SELECT `+scrapedColumns+` FROM scraped_listings WHERE id = $1 FOR UPDATE`, scrapedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: promote re-read %d: %w", scrapedID, err)
	}
	if rec.ListingID != nil {
		return nil, ErrAlreadyPromoted
	}

	addr := promo.Address
	var addressID int64
	err = tx.GetContext(ctx, &addressID, `
		INSERT INTO addresses (street, house_number, floor, door, postal_code, postal_code_name,
			extra_city, location_x, location_y, display_name, slug)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, addr.Street, addr.HouseNumber, addr.Floor, addr.Door, addr.PostalCode, addr.PostalCodeName,
		addr.ExtraCity, addr.LocationX, addr.LocationY, addr.DisplayName, addr.Slug)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert address: %w", err)
	}

	// Get-or-create inside the same transaction so the dictionary lookup
	// cannot race with the dependent insert.
	var typeID int64
	err = tx.GetContext(ctx, &typeID, `
		INSERT INTO listing_types (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, promo.TypeName)
	if err != nil {
		return nil, fmt.Errorf("postgres: get-or-create type %q: %w", promo.TypeName, err)
	}

	l := promo.Listing
	var listing models.Listing
	err = tx.GetContext(ctx, &listing, `
		INSERT INTO listings (title, description, source, source_url, address_id, type_id, status,
			price, area_land, area_floor, area_basement, rooms, bedroom_count, bathroom_count,
			energy_class, main_img_url, main_img_alt, floors, year_built, year_renovated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING `+listingColumns+`
	`, l.Title, l.Description, l.Source, l.SourceURL, addressID, typeID, l.Status,
		l.Price, l.AreaLand, l.AreaFloor, l.AreaBasement, l.Rooms, l.BedroomCount, l.BathroomCount,
		l.EnergyClass, l.MainImgURL, l.MainImgAlt, l.Floors, l.YearBuilt, l.YearRenovated)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert listing: %w", err)
	}

	for _, img := range promo.Images {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO listing_images (listing_id, url, img_order, alt, kind)
			VALUES ($1, $2, $3, $4, $5)
		`, listing.ID, img.URL, img.Order, img.Alt, img.Kind)
		if err != nil {
			return nil, fmt.Errorf("postgres: insert image: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE scraped_listings SET listing_id = $2, processed_at = NOW() WHERE id = $1
	`, scrapedID, listing.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: stamp scraped %d: %w", scrapedID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit promote: %w", err)
	}
	return &listing, nil
}

// OldestRefreshable returns the non-unlisted listing with the oldest
// updated_at for fair cycling through the catalog.
func (s *Store) OldestRefreshable(ctx context.Context, source models.Source) (*models.Listing, error) {
	var listing models.Listing
	query := `SELECT ` + listingColumns + ` FROM listings
		WHERE source = $1 AND status <> 'unlisted'
		ORDER BY updated_at ASC
		LIMIT 1`

	err := s.db.GetContext(ctx, &listing, query, source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: oldest refreshable %s: %w", source, err)
	}
	return &listing, nil
}

// MarkUnlisted writes the terminal status, conditional on updated_at still
// matching what the caller observed before its detail fetch.
func (s *Store) MarkUnlisted(ctx context.Context, id int64, expectedUpdatedAt time.Time) (*models.Listing, error) {
	var listing models.Listing
	err := s.db.GetContext(ctx, &listing, `
		UPDATE listings SET status = 'unlisted', updated_at = NOW()
		WHERE id = $1 AND updated_at = $2
		RETURNING `+listingColumns+`
	`, id, expectedUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.refreshMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: mark unlisted %d: %w", id, err)
	}
	return &listing, nil
}

// ApplyRefresh overwrites the mutable scalar fields, conditional on
// updated_at still matching what the caller observed.
func (s *Store) ApplyRefresh(ctx context.Context, id int64, expectedUpdatedAt time.Time, upd *ListingUpdate) (*models.Listing, error) {
	var listing models.Listing
	err := s.db.GetContext(ctx, &listing, `
		UPDATE listings SET
			title = $3, description = $4, status = $5, price = $6,
			area_land = $7, area_floor = $8, area_basement = $9,
			rooms = $10, bedroom_count = $11, bathroom_count = $12,
			energy_class = $13, main_img_url = $14, main_img_alt = $15,
			floors = $16, year_built = $17, year_renovated = $18,
			updated_at = NOW()
		WHERE id = $1 AND updated_at = $2
		RETURNING `+listingColumns+`
	`, id, expectedUpdatedAt,
		upd.Title, upd.Description, upd.Status, upd.Price,
		upd.AreaLand, upd.AreaFloor, upd.AreaBasement,
		upd.Rooms, upd.BedroomCount, upd.BathroomCount,
		upd.EnergyClass, upd.MainImgURL, upd.MainImgAlt,
		upd.Floors, upd.YearBuilt, upd.YearRenovated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.refreshMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: apply refresh %d: %w", id, err)
	}
	return &listing, nil
}

// refreshMiss disambiguates a zero-row conditional update: a still-existing
// row means the timestamp moved (conflict), a missing row means not found.
func (s *Store) refreshMiss(ctx context.Context, id int64) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id)
	if err != nil {
		return fmt.Errorf("postgres: refresh miss check %d: %w", id, err)
	}
	if exists {
		return ErrUpdateConflict
	}
	return ErrNotFound
}

// ListListings returns the whole catalog ordered by id, optionally filtered
// by source. Used by the export and stats commands.
func (s *Store) ListListings(ctx context.Context, source models.Source) ([]*models.Listing, error) {
	var listings []*models.Listing
	var err error

	if source != "" {
		err = s.db.SelectContext(ctx, &listings,
			`SELECT `+listingColumns+` FROM listings WHERE source = $1 ORDER BY id`, source)
	} else {
		err = s.db.SelectContext(ctx, &listings,
			`SELECT `+listingColumns+` FROM listings ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	return listings, nil
}
