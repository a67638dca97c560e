// Package nybolig adapts nybolig.dk: a JSON search API with scroll-token
// pagination for listing enumeration, and server-rendered detail pages
// parsed with goquery.
package nybolig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
)

const (
	defaultBaseURL = "https://www.nybolig.dk"
	searchPath     = "/api/search/cases/find"
	siteName       = "nybolig"
)

// Adapter implements scraper.Adapter for nybolig.dk.
type Adapter struct {
	// BaseURL is overridable for tests.
	BaseURL string
	http    *http.Client
	logger  *zap.SugaredLogger
}

// New creates a ready-to-use Nybolig adapter.
func New(logger *zap.SugaredLogger, timeout time.Duration) *Adapter {
	return &Adapter{
		BaseURL: defaultBaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Source implements scraper.Adapter.
func (a *Adapter) Source() models.Source { return models.SourceNybolig }

// searchRequest mirrors the full filter body the site's own frontend sends.
// Everything stays at its zero value except the fields we scope by.
type searchRequest struct {
	SiteName               string   `json:"siteName"`
	MunicipalityCodes      []int    `json:"municipalityCodes"`
	MunicipalityNames      []string `json:"municipalityNames"`
	CityNames              []string `json:"cityNames"`
	SupplementaryCityNames []string `json:"supplementaryCityNames"`
	PostalCodes            []int    `json:"postalCodes"`
	PostalCodeRanges       []string `json:"postalCodeRanges"`
	StreetNames            []string `json:"streetNames"`
	StreetNumbers          []string `json:"streetNumbers"`
	PropertyCategories     []string `json:"propertyCategories"`
	IsRental               bool     `json:"isRental"`
	IsSold                 bool     `json:"isSold"`
	IsSaleInProgress       bool     `json:"isSaleInProgress"`
	Polygon                []string `json:"polygon"`
	MinPrice               int      `json:"minPrice"`
	MaxPrice               int      `json:"maxPrice"`
	MinRooms               int      `json:"minRooms"`
	MaxRooms               int      `json:"maxRooms"`
	MinSize                int      `json:"minSize"`
	MaxSize                int      `json:"maxSize"`
	MinBuiltYear           int      `json:"minBuiltYear"`
	MaxBuiltYear           int      `json:"maxBuiltYear"`
	FreeText               string   `json:"freeText"`
	Sort                   int      `json:"sort"`
	ScrollToken            string   `json:"scrollToken"`
	Top                    int      `json:"top"`
}

func newSearchRequest(params scraper.ListParams, scrollToken string) searchRequest {
	req := searchRequest{
		SiteName:               siteName,
		MunicipalityCodes:      []int{},
		MunicipalityNames:      []string{},
		CityNames:              []string{},
		SupplementaryCityNames: []string{},
		PostalCodes:            []int{},
		PostalCodeRanges:       []string{},
		StreetNames:            []string{},
		StreetNumbers:          []string{},
		PropertyCategories:     []string{},
		Polygon:                []string{},
		ScrollToken:            scrollToken,
		Top:                    params.PageSize,
	}
	if req.Top <= 0 {
		req.Top = 10
	}
	if params.PostalCode != "" {
		if code, err := strconv.Atoi(strings.Fields(params.PostalCode)[0]); err == nil {
			req.PostalCodes = []int{code}
		}
	}
	return req
}

type searchResponse struct {
	Cases       []json.RawMessage `json:"cases"`
	ScrollToken string            `json:"scrollToken"`
}

// ListPage implements scraper.Adapter.
func (a *Adapter) ListPage(ctx context.Context, params scraper.ListParams, pageToken string) (*scraper.ListResult, error) {
	body, err := json.Marshal(newSearchRequest(params, pageToken))
	if err != nil {
		return nil, fmt.Errorf("nybolig: marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+searchPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nybolig: search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nybolig: search: unexpected status %d", resp.StatusCode)
	}

	var search searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		return nil, fmt.Errorf("nybolig: decode search response: %w", err)
	}

	result := &scraper.ListResult{
		HasNext:   search.ScrollToken != "" && len(search.Cases) > 0,
		NextToken: search.ScrollToken,
	}
	for _, raw := range search.Cases {
		id, err := scraper.ExternalID(raw)
		if err != nil {
			a.logger.Warnf("[nybolig] Skipping candidate without id: %v", err)
			continue
		}
		result.Candidates = append(result.Candidates, models.Candidate{ExternalID: id, Payload: raw})
	}
	return result, nil
}

// stagedPayload is the subset of a staged search result we can trust after an
// explicit parse. Anything the source omitted stays nil.
type stagedPayload struct {
	URL                  string  `json:"url"`
	AddressDisplayName   string  `json:"addressDisplayName"`
	Type                 string  `json:"type"`
	HasBeenSold          bool    `json:"hasBeenSold"`
	PropertySize         *int    `json:"propertySize"`
	LivingSpace          *int    `json:"livingSpace"`
	BasementSize         *int    `json:"basementSize"`
	CashPrice            *int64  `json:"cashPrice"`
	EnergyClassification *string `json:"energyClassification"`
	TotalNumberOfRooms   *int    `json:"totalNumberOfRooms"`
	ImageURL             *string `json:"imageUrl"`
	ImageAlt             *string `json:"imageAlt"`
}

func parsePayload(payload []byte) (*stagedPayload, error) {
	var p stagedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("nybolig: parse staged payload: %w", err)
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
		return "", fmt.Errorf("nybolig: staged payload has no url")
	}
	return a.BaseURL + p.URL, nil
}

// AddressText implements scraper.Adapter.
func (a *Adapter) AddressText(payload []byte) (string, error) {
	p, err := parsePayload(payload)
	if err != nil {
		return "", err
	}
	if p.AddressDisplayName == "" {
		return "", fmt.Errorf("nybolig: staged payload has no address")
	}
	return p.AddressDisplayName, nil
}

// FallbackFields implements scraper.Adapter.
func (a *Adapter) FallbackFields(payload []byte) (*models.DetailFields, error) {
	p, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}

	fields := &models.DetailFields{
		Type:         p.Type,
		Status:       models.StatusActive,
		Price:        p.CashPrice,
		AreaLand:     p.PropertySize,
		AreaFloor:    p.LivingSpace,
		AreaBasement: p.BasementSize,
		EnergyClass:  p.EnergyClassification,
		Rooms:        p.TotalNumberOfRooms,
	}
	if p.HasBeenSold {
		fields.Status = models.StatusSold
	}
	if p.ImageURL != nil {
		fields.Images = []models.DetailImage{{URL: *p.ImageURL, Alt: p.ImageAlt}}
	}
	return fields, nil
}

// FetchDetail implements scraper.Adapter.
func (a *Adapter) FetchDetail(ctx context.Context, url string) (*models.DetailFields, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nybolig: fetch detail %s: %w", url, err)
	}
	defer resp.Body.Close()

	// A removed case page is the source's way of saying the listing is
	// gone, not a fetch failure.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return &models.DetailFields{Status: models.StatusUnlisted}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nybolig: fetch detail %s: unexpected status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nybolig: parse detail %s: %w", url, err)
	}

	return parseDetail(doc), nil
}

// parseDetail extracts the typed field bag from a case page document.
func parseDetail(doc *goquery.Document) *models.DetailFields {
	fields := &models.DetailFields{
		Title: strings.TrimSpace(doc.Find("h2.case-facts__title").First().Text()),
		Type:  strings.TrimSpace(doc.Find(".case-facts__box-title__type").First().Text()),
		Price: parseDigits64(doc.Find(".case-facts__box-title__price").First().Text()),
	}

	var paragraphs []string
	doc.Find("div.wysiwyg.foldable-spot__container p").Each(func(_ int, s *goquery.Selection) {
		if html, err := s.Html(); err == nil && strings.TrimSpace(html) != "" {
			paragraphs = append(paragraphs, strings.TrimSpace(html))
		}
	})
	fields.Description = strings.Join(paragraphs, "<br>")

	fields.Images = collectImages(doc, "#hero-slider-photo img")
	fields.FloorplanImages = collectImages(doc, "#hero-slider-floorplan img")

	facts := caseFacts(doc)
	if v, ok := facts["Boligareal"]; ok {
		fields.AreaFloor = parseDigits(strings.Fields(v)[0])
	}
	if v, ok := facts["Grundstørrelse"]; ok {
		fields.AreaLand = parseDigits(strings.Fields(v)[0])
	}
	if v, ok := facts["Stue/Værelser"]; ok {
		fields.Rooms, fields.BedroomCount = parseRoomSplit(v)
	}
	if v, ok := facts["Bygget/Ombygget"]; ok {
		fields.YearBuilt, fields.YearRenovated = parseYearSplit(v)
	}

	doc.Find(".case-facts__box-inner-wrap .tile__rating").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if class, ok := s.Attr("class"); ok {
			energy := strings.TrimSpace(strings.TrimPrefix(class, "tile__rating -rated-"))
			if energy != "" {
				fields.EnergyClass = &energy
			}
		}
		return false
	})

	fields.Status = determineStatus(doc, fields)
	return fields
}

// determineStatus maps page signals onto the listing state machine. A page
// missing every structural marker no longer represents a real listing.
func determineStatus(doc *goquery.Document, fields *models.DetailFields) models.ListingStatus {
	if fields.Title == "" && fields.Description == "" && fields.Price == nil && fields.Type == "" {
		return models.StatusUnlisted
	}

	pageTitle := strings.ToLower(doc.Find("head title").Text())
	switch {
	case strings.Contains(pageTitle, "solgt"):
		return models.StatusSold
	case strings.Contains(pageTitle, "købsaftale"), strings.Contains(pageTitle, "under salg"):
		return models.StatusReserved
	}
	return models.StatusActive
}

func collectImages(doc *goquery.Document, selector string) []models.DetailImage {
	var images []models.DetailImage
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok || src == "" {
			return
		}
		img := models.DetailImage{URL: src}
		if alt, ok := s.Attr("alt"); ok && alt != "" {
			img.Alt = &alt
		}
		images = append(images, img)
	})
	return images
}

// caseFacts collects the key/value pairs from the case-facts boxes, with
// keys normalized ("Boligareal: " -> "Boligareal").
func caseFacts(doc *goquery.Document) map[string]string {
	facts := make(map[string]string)
	doc.Find(".case-facts__box-inner-wrap").Each(func(_ int, s *goquery.Selection) {
		key := strings.TrimSpace(s.Find("span:first-child").First().Text())
		value := strings.TrimSpace(s.Children().Eq(1).Text())
		key = strings.TrimSuffix(key, ":")
		if key != "" && value != "" {
			facts[key] = value
		}
	})
	return facts
}

// parseRoomSplit turns "2/4" into total rooms (sum) and bedrooms (second part).
func parseRoomSplit(v string) (rooms, bedrooms *int) {
	parts := strings.Split(v, "/")
	total := 0
	any := false
	for _, part := range parts {
		if n := parseDigits(part); n != nil {
			total += *n
			any = true
		}
	}
	if !any {
		return nil, nil
	}
	rooms = &total
	if len(parts) >= 2 {
		bedrooms = parseDigits(parts[1])
	}
	return rooms, bedrooms
}

// parseYearSplit turns "1962/2004" into built and renovated years.
func parseYearSplit(v string) (built, renovated *int) {
	parts := strings.Split(v, "/")
	built = parseDigits(parts[0])
	if len(parts) >= 2 {
		renovated = parseDigits(parts[1])
	}
	return built, renovated
}

func parseDigits(s string) *int {
	if v := parseDigits64(s); v != nil {
		n := int(*v)
		return &n
	}
	return nil
}

func parseDigits64(s string) *int64 {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
