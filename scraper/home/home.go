// Package home adapts home.dk: a JSON search API with page-number pagination
// for listing enumeration, and Nuxt-rendered detail pages that need a
// headless browser before the case payload exists in the document.
package home

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
)

const (
	defaultAPIBaseURL = "https://api.home.dk"
	defaultSiteURL    = "https://home.dk"
	searchPath        = "/search//homedk/cases"
	forwardedHost     = "home.dk"
)

// typeMap translates Home's internal property categories into the Danish
// display names the catalog's type dictionary uses.
var typeMap = map[string]string{
	"AllYearRoundPlot":   "Helårsgrund",
	"AllotmentHut":       "Fritidsbolig",
	"AllotmentPlot":      "Fritidsgrund",
	"Condo":              "Ejerlejlighed",
	"FormerFarm":         "Landejendom",
	"HousingCooperative": "Andelsbolig",
	"TerracedHouse":      "Rækkehus",
	"Villa":              "Villa",
	"VillaApartment":     "Villalejlighed",
	"VacationHousing":    "Fritidsbolig",
	"VacationPlot":       "Fritidsgrund",
	"FarmHouse":          "Landejendom",
	"HobbyAgriculture":   "Landejendom",
}

// extractCaseJS pulls the hydrated case object out of the Nuxt state.
const extractCaseJS = `(function() {
	var data = window.__NUXT__ && window.__NUXT__.data;
	if (!data) { return ""; }
	for (var key in data) {
		if (key.indexOf("case-") === 0 && data[key]) {
			return JSON.stringify(data[key]);
		}
	}
	return "";
})()`

// Adapter implements scraper.Adapter for home.dk.
type Adapter struct {
	// APIBaseURL is overridable for tests.
	APIBaseURL string
	SiteURL    string

	http        *http.Client
	browser     *scraper.Browser
	fetchTimout time.Duration
	logger      *zap.SugaredLogger
}

// New creates a ready-to-use Home adapter. Detail pages are rendered through
// the given browser.
func New(logger *zap.SugaredLogger, browser *scraper.Browser, timeout time.Duration) *Adapter {
	return &Adapter{
		APIBaseURL:  defaultAPIBaseURL,
		SiteURL:     defaultSiteURL,
		http:        &http.Client{Timeout: timeout},
		browser:     browser,
		fetchTimout: timeout,
		logger:      logger,
	}
}

// Source implements scraper.Adapter.
func (a *Adapter) Source() models.Source { return models.SourceHome }

type searchFilters struct {
	SingleFilters   map[string]filterValue `json:"singleFilters"`
	MultipleFilters map[string]filterValue `json:"multipleFilters"`
	BitFilters      map[string]filterValue `json:"bitFilters"`
	RangeFilters    map[string]filterValue `json:"rangeFilters"`
}

type filterValue struct {
	SelectedValue struct {
		Value any `json:"value"`
	} `json:"selectedValue"`
}

func newSearchFilters(params scraper.ListParams) searchFilters {
	filters := searchFilters{
		SingleFilters:   map[string]filterValue{},
		MultipleFilters: map[string]filterValue{},
		BitFilters:      map[string]filterValue{},
		RangeFilters:    map[string]filterValue{},
	}

	var business filterValue
	business.SelectedValue.Value = false
	filters.BitFilters["isBusinessCase"] = business

	if params.PostalCode != "" {
		var postal filterValue
		postal.SelectedValue.Value = params.PostalCode
		filters.SingleFilters["addressFacetValues.postalCode"] = postal
	}
	return filters
}

type searchResponse struct {
	Total       int               `json:"total"`
	HasNextPage bool              `json:"hasNextPage"`
	Results     []json.RawMessage `json:"results"`
}

// ListPage implements scraper.Adapter. The page token is a 1-based page
// number; an empty token means page 1.
func (a *Adapter) ListPage(ctx context.Context, params scraper.ListParams, pageToken string) (*scraper.ListResult, error) {
	page := 1
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("home: bad page token %q: %w", pageToken, err)
		}
		page = n
	}

	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	body, err := json.Marshal(map[string]any{"filters": newSearchFilters(params)})
	if err != nil {
		return nil, fmt.Errorf("home: marshal search request: %w", err)
	}

	query := url.Values{
		"loadPrevious": {"false"},
		"page":         {strconv.Itoa(page)},
		"pageSize":     {strconv.Itoa(pageSize)},
		"sortBy":       {"dateDesc"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.APIBaseURL+searchPath+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// The API only answers for its own vhost.
	req.Header.Set("x-forwarded-host", forwardedHost)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("home: search page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("home: search page %d: unexpected status %d", page, resp.StatusCode)
	}

	var search searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		return nil, fmt.Errorf("home: decode search response: %w", err)
	}

	result := &scraper.ListResult{
		HasNext:   search.HasNextPage,
		NextToken: strconv.Itoa(page + 1),
	}
	for _, raw := range search.Results {
		id, err := scraper.ExternalID(raw)
		if err != nil {
			a.logger.Warnf("[home] Skipping candidate without id: %v", err)
			continue
		}
		result.Candidates = append(result.Candidates, models.Candidate{ExternalID: id, Payload: raw})
	}
	return result, nil
}

type stagedPayload struct {
	URL     string `json:"url"`
	Type    string `json:"type"`
	Address struct {
		Full string `json:"full"`
	} `json:"address"`
	Offer struct {
		Price struct {
			Amount *int64 `json:"amount"`
		} `json:"price"`
	} `json:"offer"`
	Stats struct {
		PlotArea  *int `json:"plotArea"`
		FloorArea *int `json:"floorArea"`
	} `json:"stats"`
	PresentationMedia []struct {
		URL     string  `json:"url"`
		AltText *string `json:"altText"`
	} `json:"presentationMedia"`
}

func parsePayload(payload []byte) (*stagedPayload, error) {
	var p stagedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("home: parse staged payload: %w", err)
	}
	return &p, nil
}

// DetailURL implements scraper.Adapter.
func (a *Adapter) DetailURL(payload []byte) (string, error) {
	p, err := parsePayload(payload)
	if err != nil {
		return "", err
	}
	if p.URL == "" {
		return "", fmt.Errorf("home: staged payload has no url")
	}
	return a.SiteURL + "/" + strings.TrimPrefix(p.URL, "/"), nil
}

// AddressText implements scraper.Adapter.
func (a *Adapter) AddressText(payload []byte) (string, error) {
	p, err := parsePayload(payload)
	if err != nil {
		return "", err
	}
	if p.Address.Full == "" {
		return "", fmt.Errorf("home: staged payload has no address")
	}
	return p.Address.Full, nil
}

// FallbackFields implements scraper.Adapter.
func (a *Adapter) FallbackFields(payload []byte) (*models.DetailFields, error) {
	p, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}

	fields := &models.DetailFields{
		Type:      MapType(p.Type),
		Status:    models.StatusActive,
		Price:     p.Offer.Price.Amount,
		AreaLand:  p.Stats.PlotArea,
		AreaFloor: p.Stats.FloorArea,
	}
	if len(p.PresentationMedia) > 0 && p.PresentationMedia[0].URL != "" {
		fields.Images = []models.DetailImage{{
			URL: p.PresentationMedia[0].URL,
			Alt: p.PresentationMedia[0].AltText,
		}}
	}
	return fields, nil
}

// caseData is the hydrated case object from the detail page's Nuxt state.
type caseData struct {
	PropertyCategory string `json:"propertyCategory"`
	IsUnlisted       bool   `json:"isUnlisted"`
	IsForSale        bool   `json:"isForSale"`
	IsUnderSale      bool   `json:"isUnderSale"`
	IsSold           bool   `json:"isSold"`
	Offer            struct {
		CashPrice struct {
			Amount *int64 `json:"amount"`
		} `json:"cashPrice"`
	} `json:"offer"`
	Stats struct {
		EnergyLabel   string  `json:"energyLabel"`
		PlotArea      int     `json:"plotArea"`
		FloorArea     int     `json:"floorArea"`
		BasementArea  int     `json:"basementArea"`
		Rooms         int     `json:"rooms"`
		Bathrooms     int     `json:"bathrooms"`
		YearBuilt     *string `json:"yearBuilt"`
		YearRenovated *string `json:"yearRenovated"`
		Floors        *int    `json:"floors"`
	} `json:"stats"`
	SalesPresentationDescription string      `json:"salesPresentationDescription"`
	PresentationMedia            []caseMedia `json:"presentationMedia"`
	FloorPlanMedia               []caseMedia `json:"floorPlanMedia"`
}

type caseMedia struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// FetchDetail implements scraper.Adapter.
func (a *Adapter) FetchDetail(ctx context.Context, pageURL string) (*models.DetailFields, error) {
	html, extracted, err := a.browser.Render(ctx, pageURL, extractCaseJS, a.fetchTimout)
	if err != nil {
		return nil, fmt.Errorf("home: fetch detail: %w", err)
	}

	// No hydrated case object means the page no longer represents a
	// listing (error page, redirect to search, ...).
	if len(bytes.TrimSpace(extracted)) == 0 {
		return &models.DetailFields{Status: models.StatusUnlisted}, nil
	}

	var c caseData
	if err := json.Unmarshal(extracted, &c); err != nil {
		return nil, fmt.Errorf("home: parse case data: %w", err)
	}

	title := ""
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		title = strings.TrimSpace(doc.Find("h2.h1").First().Text())
	}

	return detailFromCase(&c, title), nil
}

// detailFromCase maps the hydrated case object onto the typed field bag.
func detailFromCase(c *caseData, title string) *models.DetailFields {
	fields := &models.DetailFields{
		Title:        title,
		Description:  c.SalesPresentationDescription,
		Type:         MapType(c.PropertyCategory),
		Status:       statusFromCase(c),
		Price:        c.Offer.CashPrice.Amount,
		AreaLand:     intPtr(c.Stats.PlotArea),
		AreaFloor:    intPtr(c.Stats.FloorArea),
		AreaBasement: intPtr(c.Stats.BasementArea),
		Floors:       c.Stats.Floors,
	}

	// Plot listings report zero rooms; treat that as unknown.
	if c.Stats.Rooms > 0 {
		fields.Rooms = intPtr(c.Stats.Rooms)
	}
	if c.Stats.Bathrooms > 0 {
		fields.BathroomCount = intPtr(c.Stats.Bathrooms)
	}
	if c.Stats.EnergyLabel != "" {
		fields.EnergyClass = &c.Stats.EnergyLabel
	}
	fields.YearBuilt = parseYear(c.Stats.YearBuilt)
	fields.YearRenovated = parseYear(c.Stats.YearRenovated)

	for _, m := range c.PresentationMedia {
		if m.URL != "" {
			fields.Images = append(fields.Images, mediaImage(m))
		}
	}
	for _, m := range c.FloorPlanMedia {
		if m.URL != "" {
			fields.FloorplanImages = append(fields.FloorplanImages, mediaImage(m))
		}
	}
	return fields
}

func statusFromCase(c *caseData) models.ListingStatus {
	switch {
	case c.IsUnlisted:
		return models.StatusUnlisted
	case c.IsUnderSale:
		return models.StatusReserved
	case c.IsSold:
		return models.StatusSold
	default:
		return models.StatusActive
	}
}

// MapType translates a Home property category into the catalog's type name.
// Unknown categories pass through unchanged so new ones surface in the data
// rather than vanish.
func MapType(category string) string {
	if name, ok := typeMap[category]; ok {
		return name
	}
	return category
}

func mediaImage(m caseMedia) models.DetailImage {
	img := models.DetailImage{URL: m.URL}
	if m.Description != "" {
		desc := m.Description
		img.Alt = &desc
	}
	return img
}

// parseYear takes the leading year of strings like "1962" or "1962-01-01".
func parseYear(s *string) *int {
	if s == nil || len(*s) < 4 {
		return nil
	}
	year, err := strconv.Atoi((*s)[:4])
	if err != nil {
		return nil
	}
	return &year
}

func intPtr(v int) *int { return &v }
