// Package scraper defines the contract every source site adapter satisfies
// and shared fetch helpers. Adapters are pure I/O + parsing: they never touch
// the database.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/boki-dk/boki/models"
)

// ListParams scopes one crawl invocation.
type ListParams struct {
	// PostalCode restricts the result set to one postal code ("8000 Aarhus C").
	// Empty means newest-first across the whole country.
	PostalCode string
	// PageSize is the requested page size; adapters may clamp it.
	PageSize int
}

// ListResult is one page of candidate records from a source's list endpoint.
type ListResult struct {
	Candidates []models.Candidate
	HasNext    bool
	// NextToken requests the following page: a scroll token for Nybolig,
	// a page number for Home. Opaque to the crawl engine.
	NextToken string
}

// Adapter is the per-source boundary the pipeline drives. Implementations
// exist for nybolig.dk and home.dk.
type Adapter interface {
	Source() models.Source

	// ListPage fetches one page of the source's result set. An empty
	// pageToken requests the first page.
	ListPage(ctx context.Context, params ListParams, pageToken string) (*ListResult, error)

	// DetailURL derives the canonical detail-page URL from a staged payload.
	DetailURL(payload []byte) (string, error)

	// AddressText extracts the free-text display address from a staged
	// payload, for cleansing.
	AddressText(payload []byte) (string, error)

	// FallbackFields parses the staged payload into whatever typed fields
	// it carries. Used only to fill gaps the detail page leaves.
	FallbackFields(payload []byte) (*models.DetailFields, error)

	// FetchDetail fetches and parses the authoritative detail page. A page
	// that no longer represents a listing comes back with StatusUnlisted
	// rather than an error.
	FetchDetail(ctx context.Context, url string) (*models.DetailFields, error)
}

// ExternalID extracts the stable external id from a raw candidate payload.
// Sources disagree on the id type (Nybolig uses strings, Home uses numbers),
// so both are accepted and normalized to a string.
func ExternalID(payload []byte) (string, error) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", err
	}
	if len(probe.ID) == 0 || bytes.Equal(probe.ID, []byte("null")) {
		return "", errors.New("candidate payload has no id")
	}

	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		if s == "" {
			return "", errors.New("candidate payload has empty id")
		}
		return s, nil
	}
	return string(bytes.TrimSpace(probe.ID)), nil
}
