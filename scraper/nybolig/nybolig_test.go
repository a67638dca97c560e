package nybolig

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
)

func testAdapter(baseURL string) *Adapter {
	a := New(zap.NewNop().Sugar(), 5*time.Second)
	if baseURL != "" {
		a.BaseURL = baseURL
	}
	return a
}

const detailHTML = `<!DOCTYPE html>
<html>
<head><title>Testvej 1, 8000 Aarhus C - Nybolig</title></head>
<body>
  <div id="hero-slider-photo">
    <img src="https://img.test/1.jpg" alt="Facade">
    <img src="https://img.test/2.jpg">
  </div>
  <div id="hero-slider-floorplan">
    <img src="https://img.test/plan.jpg" alt="Plantegning">
  </div>
  <h2 class="case-facts__title">Testvej 1, 8000 Aarhus C</h2>
  <span class="case-facts__box-title__type">Villa</span>
  <span class="case-facts__box-title__price">Kontantpris 3.495.000 kr.</span>
  <div class="case-facts__box-inner-wrap">
    <span>Boligareal: </span><span>142 m²</span>
  </div>
  <div class="case-facts__box-inner-wrap">
    <span>Grundstørrelse: </span><span>720 m²</span>
  </div>
  <div class="case-facts__box-inner-wrap">
    <span>Stue/Værelser: </span><span>2/4</span>
  </div>
  <div class="case-facts__box-inner-wrap">
    <span>Bygget/Ombygget: </span><span>1962/2004</span>
  </div>
  <div class="case-facts__box-inner-wrap">
    <span>Energimærke: </span><span class="tile__rating -rated-c">C</span>
  </div>
  <div class="wysiwyg foldable-spot__container">
    <p>Charmerende villa i roligt kvarter.</p>
    <p>Tæt på skole og indkøb.</p>
  </div>
</body>
</html>`

func TestParseDetail(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(detailHTML))
	require.NoError(t, err)

	fields := parseDetail(doc)

	assert.Equal(t, "Testvej 1, 8000 Aarhus C", fields.Title)
	assert.Equal(t, "Villa", fields.Type)
	require.NotNil(t, fields.Price)
	assert.Equal(t, int64(3_495_000), *fields.Price)

	require.NotNil(t, fields.AreaFloor)
	assert.Equal(t, 142, *fields.AreaFloor)
	require.NotNil(t, fields.AreaLand)
	assert.Equal(t, 720, *fields.AreaLand)

	require.NotNil(t, fields.Rooms)
	assert.Equal(t, 6, *fields.Rooms, "2 living rooms + 4 bedrooms")
	require.NotNil(t, fields.BedroomCount)
	assert.Equal(t, 4, *fields.BedroomCount)

	require.NotNil(t, fields.YearBuilt)
	assert.Equal(t, 1962, *fields.YearBuilt)
	require.NotNil(t, fields.YearRenovated)
	assert.Equal(t, 2004, *fields.YearRenovated)

	require.NotNil(t, fields.EnergyClass)
	assert.Equal(t, "c", *fields.EnergyClass)

	assert.Equal(t, "Charmerende villa i roligt kvarter.<br>Tæt på skole og indkøb.", fields.Description)

	require.Len(t, fields.Images, 2)
	assert.Equal(t, "https://img.test/1.jpg", fields.Images[0].URL)
	require.NotNil(t, fields.Images[0].Alt)
	assert.Equal(t, "Facade", *fields.Images[0].Alt)
	assert.Nil(t, fields.Images[1].Alt)
	require.Len(t, fields.FloorplanImages, 1)

	assert.Equal(t, models.StatusActive, fields.Status)
}

func TestDetermineStatus(t *testing.T) {
	cases := []struct {
		name  string
		title string
		want  models.ListingStatus
	}{
		{"active", "Testvej 1 - Nybolig", models.StatusActive},
		{"sold", "SOLGT: Testvej 1 - Nybolig", models.StatusSold},
		{"reserved agreement", "Købsaftale underskrevet - Nybolig", models.StatusReserved},
		{"reserved in progress", "Under salg - Nybolig", models.StatusReserved},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			html := strings.Replace(detailHTML, "Testvej 1, 8000 Aarhus C - Nybolig", tc.title, 1)
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
			require.NoError(t, err)
			assert.Equal(t, tc.want, parseDetail(doc).Status)
		})
	}
}

func TestParseDetailEmptyPageIsUnlisted(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body><div>404</div></body></html>"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnlisted, parseDetail(doc).Status)
}

func TestFetchDetailGoneStatuses(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		a := testAdapter(srv.URL)
		fields, err := a.FetchDetail(context.Background(), srv.URL+"/bolig/1")
		srv.Close()

		require.NoError(t, err)
		assert.Equal(t, models.StatusUnlisted, fields.Status)
	}
}

func TestFetchDetailServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := testAdapter(srv.URL)
	_, err := a.FetchDetail(context.Background(), srv.URL+"/bolig/1")
	assert.Error(t, err)
}

func TestListPage(t *testing.T) {
	var gotBody searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, searchPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		resp := map[string]any{
			"cases": []map[string]any{
				{"id": "case-1", "url": "/bolig/1", "addressDisplayName": "Testvej 1, 8000 Aarhus C"},
				{"id": "case-2", "url": "/bolig/2", "addressDisplayName": "Testvej 2, 8000 Aarhus C"},
				{"url": "/bolig/3"}, // no id: skipped
			},
			"scrollToken": "next-token",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	a := testAdapter(srv.URL)
	result, err := a.ListPage(context.Background(), scraper.ListParams{PostalCode: "8000 Aarhus C", PageSize: 10}, "prev-token")
	require.NoError(t, err)

	assert.Equal(t, siteName, gotBody.SiteName)
	assert.Equal(t, []int{8000}, gotBody.PostalCodes)
	assert.Equal(t, "prev-token", gotBody.ScrollToken)
	assert.Equal(t, 10, gotBody.Top)

	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "case-1", result.Candidates[0].ExternalID)
	assert.True(t, result.HasNext)
	assert.Equal(t, "next-token", result.NextToken)
}

func TestListPageLastPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"cases": []map[string]any{}, "scrollToken": ""})
	}))
	defer srv.Close()

	a := testAdapter(srv.URL)
	result, err := a.ListPage(context.Background(), scraper.ListParams{}, "")
	require.NoError(t, err)
	assert.False(t, result.HasNext)
	assert.Empty(t, result.Candidates)
}

func TestFallbackFields(t *testing.T) {
	payload := []byte(`{
		"id": "case-1",
		"url": "/bolig/1",
		"addressDisplayName": "Testvej 1, 8000 Aarhus C",
		"type": "Villa",
		"hasBeenSold": false,
		"cashPrice": 3495000,
		"livingSpace": 142,
		"propertySize": 720,
		"totalNumberOfRooms": 6,
		"energyClassification": "C",
		"imageUrl": "https://img.test/1.jpg",
		"imageAlt": "Facade"
	}`)

	a := testAdapter("")
	fields, err := a.FallbackFields(payload)
	require.NoError(t, err)

	assert.Equal(t, "Villa", fields.Type)
	assert.Equal(t, models.StatusActive, fields.Status)
	assert.Equal(t, int64(3_495_000), *fields.Price)
	assert.Equal(t, 142, *fields.AreaFloor)
	assert.Equal(t, 720, *fields.AreaLand)
	assert.Equal(t, 6, *fields.Rooms)
	require.Len(t, fields.Images, 1)
	assert.Equal(t, "Facade", *fields.Images[0].Alt)
}

func TestFallbackFieldsSold(t *testing.T) {
	a := testAdapter("")
	fields, err := a.FallbackFields([]byte(`{"id":"x","hasBeenSold":true}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, fields.Status)
}

func TestDetailURLAndAddressText(t *testing.T) {
	payload := []byte(`{"id":"case-1","url":"/bolig/1","addressDisplayName":"Testvej 1, 8000 Aarhus C"}`)

	a := testAdapter("")
	url, err := a.DetailURL(payload)
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL+"/bolig/1", url)

	addr, err := a.AddressText(payload)
	require.NoError(t, err)
	assert.Equal(t, "Testvej 1, 8000 Aarhus C", addr)

	_, err = a.DetailURL([]byte(`{"id":"case-1"}`))
	assert.Error(t, err)
	_, err = a.AddressText([]byte(`{"id":"case-1"}`))
	assert.Error(t, err)
}

func TestParseRoomSplit(t *testing.T) {
	rooms, bedrooms := parseRoomSplit("2/4")
	require.NotNil(t, rooms)
	assert.Equal(t, 6, *rooms)
	require.NotNil(t, bedrooms)
	assert.Equal(t, 4, *bedrooms)

	rooms, bedrooms = parseRoomSplit("5")
	require.NotNil(t, rooms)
	assert.Equal(t, 5, *rooms)
	assert.Nil(t, bedrooms)

	rooms, bedrooms = parseRoomSplit("-")
	assert.Nil(t, rooms)
	assert.Nil(t, bedrooms)
}

func TestParseDigits(t *testing.T) {
	assert.Nil(t, parseDigits64("ingen pris"))

	price := parseDigits64("Kontantpris 3.495.000 kr.")
	require.NotNil(t, price)
	assert.Equal(t, int64(3_495_000), *price)
}
