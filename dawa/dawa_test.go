package dawa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second)
}

func TestCleanseValidAddress(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/datavask/adresser", r.URL.Path)
		assert.Equal(t, "Rådhuspladsen 1, 1550 København V", r.URL.Query().Get("betegnelse"))
		w.Write([]byte(`{
			"kategori": "A",
			"resultater": [{"adresse": {"id": "0a3f50a0-73ca-32b8-e044-0003ba298018", "status": 1, "virkningslut": null}}]
		}`))
	})

	addr, err := client.Cleanse(context.Background(), "Rådhuspladsen 1, 1550 København V")
	require.NoError(t, err)
	require.NotNil(t, addr)
	assert.True(t, addr.Valid())
	assert.Equal(t, "0a3f50a0-73ca-32b8-e044-0003ba298018", addr.ID)
}

func TestCleanseInvalidCandidates(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"superseded address", `{"kategori": "A", "resultater": [{"adresse": {"id": "x", "status": 1, "virkningslut": "2020-01-01T00:00:00.000"}}]}`},
		{"discontinued status", `{"kategori": "B", "resultater": [{"adresse": {"id": "x", "status": 2, "virkningslut": null}}]}`},
		{"uncertain match", `{"kategori": "C", "resultater": [{"adresse": {"id": "x", "status": 1, "virkningslut": null}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})

			addr, err := client.Cleanse(context.Background(), "Et Vejnavn 2")
			require.NoError(t, err)
			require.NotNil(t, addr)
			assert.False(t, addr.Valid())
		})
	}
}

func TestCleanseNoCandidates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"kategori": "C", "resultater": []}`))
	})

	addr, err := client.Cleanse(context.Background(), "Findes Ikke Vej 99")
	require.NoError(t, err)
	assert.Nil(t, addr)
	assert.False(t, addr.Valid())
}

func TestResolve(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/adresser/abc-123", r.URL.Path)
		assert.Equal(t, "mini", r.URL.Query().Get("struktur"))
		w.Write([]byte(`{
			"id": "abc-123",
			"vejnavn": "Store Kongensgade",
			"husnr": "59",
			"etage": "2",
			"dør": "tv",
			"postnr": "1264",
			"postnrnavn": "København K",
			"supplerendebynavn": null,
			"x": 12.588,
			"y": 55.684,
			"betegnelse": "Store Kongensgade 59, 2. tv, 1264 København K"
		}`))
	})

	addr, err := client.Resolve(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "Store Kongensgade", addr.Street)
	assert.Equal(t, "59", addr.HouseNumber)
	require.NotNil(t, addr.Floor)
	assert.Equal(t, "2", *addr.Floor)
	require.NotNil(t, addr.Door)
	assert.Equal(t, "tv", *addr.Door)
	assert.Nil(t, addr.ExtraCity)
	assert.Equal(t, 12.588, addr.X)
	assert.Equal(t, "Store Kongensgade 59, 2. tv, 1264 København K", addr.DisplayName)
}

func TestResolveErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Resolve(context.Background(), "missing")
	assert.Error(t, err)
}

func TestPostalCodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/postnumre", r.URL.Path)
		w.Write([]byte(`[{"nr": "8000", "navn": "Aarhus C"}, {"nr": "1550", "navn": "København V"}]`))
	})

	codes, err := client.PostalCodes(context.Background())
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, "8000", codes[0].Nr)
	assert.Equal(t, "Aarhus C", codes[0].Name)
}
