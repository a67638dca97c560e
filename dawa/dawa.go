// Package dawa is a thin client for Danmarks Adressers Web API
// (api.dataforsyningen.dk). The pipeline uses it to cleanse free-text listing
// addresses into canonical address ids, to resolve those ids into structured
// address components, and to enumerate postal codes for full crawls.
package dawa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultBaseURL is the public DAWA endpoint.
const DefaultBaseURL = "https://api.dataforsyningen.dk"

// statusValid is the DAWA address status for a current, valid address.
const statusValid = 1

// Client talks to DAWA over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client against baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// CleansedAddress is the best datavask candidate for a free-text address.
// Category is the wash quality: A exact, B safe, C uncertain.
type CleansedAddress struct {
	ID         string  `json:"id"`
	Status     int     `json:"status"`
	ValidUntil *string `json:"virkningslut"`
	Category   string  `json:"-"`
}

// Valid reports whether the candidate is an unambiguous, currently valid
// address: an A or B quality match with status 1, not superseded by a newer
// address record.
func (a *CleansedAddress) Valid() bool {
	return a != nil &&
		(a.Category == "A" || a.Category == "B") &&
		a.Status == statusValid &&
		a.ValidUntil == nil
}

type cleanseResponse struct {
	Category   string `json:"kategori"`
	Resultater []struct {
		Adresse CleansedAddress `json:"adresse"`
	} `json:"resultater"`
}

// Cleanse runs the datavask endpoint on a free-text address. A nil result
// with nil error means DAWA had no candidate at all.
func (c *Client) Cleanse(ctx context.Context, freeText string) (*CleansedAddress, error) {
	var resp cleanseResponse
	query := url.Values{"betegnelse": {freeText}}
	if err := c.get(ctx, "/datavask/adresser", query, &resp); err != nil {
		return nil, fmt.Errorf("dawa: cleanse %q: %w", freeText, err)
	}

	if len(resp.Resultater) == 0 {
		return nil, nil
	}
	best := resp.Resultater[0].Adresse
	best.Category = resp.Category
	return &best, nil
}

// ResolvedAddress is the mini address structure for a canonical address id.
type ResolvedAddress struct {
	ID             string  `json:"id"`
	Street         string  `json:"vejnavn"`
	HouseNumber    string  `json:"husnr"`
	Floor          *string `json:"etage"`
	Door           *string `json:"dør"`
	PostalCode     string  `json:"postnr"`
	PostalCodeName string  `json:"postnrnavn"`
	ExtraCity      *string `json:"supplerendebynavn"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	DisplayName    string  `json:"betegnelse"`
}

// Resolve fetches the structured components for a cleansed address id.
func (c *Client) Resolve(ctx context.Context, addressID string) (*ResolvedAddress, error) {
	var resp ResolvedAddress
	query := url.Values{"struktur": {"mini"}}
	if err := c.get(ctx, "/adresser/"+url.PathEscape(addressID), query, &resp); err != nil {
		return nil, fmt.Errorf("dawa: resolve %s: %w", addressID, err)
	}
	return &resp, nil
}

// PostalCode is one Danish postal code.
type PostalCode struct {
	Nr   string `json:"nr"`
	Name string `json:"navn"`
}

// PostalCodes lists every Danish postal code, used by full crawls to scope
// one sub-crawl per code.
func (c *Client) PostalCodes(ctx context.Context) ([]PostalCode, error) {
	var resp []PostalCode
	if err := c.get(ctx, "/postnumre", nil, &resp); err != nil {
		return nil, fmt.Errorf("dawa: postal codes: %w", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
