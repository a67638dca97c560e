package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/boki-dk/boki/models"
)

// CSVExporter dumps the normalized catalog to a CSV file for offline
// analysis. It is safe for concurrent use.
type CSVExporter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVExporter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVExporter(path string) (*CSVExporter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)

	if err := w.Write([]string{
		"id", "source", "source_url", "title", "type_id", "status", "price",
		"area_land", "area_floor", "area_basement", "rooms", "bedroom_count",
		"bathroom_count", "energy_class", "floors", "year_built", "year_renovated",
		"created_at", "updated_at",
	}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVExporter{file: f, writer: w}, nil
}

// WriteListings appends one row per listing.
func (c *CSVExporter) WriteListings(listings []*models.Listing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range listings {
		row := []string{
			strconv.FormatInt(l.ID, 10),
			string(l.Source),
			l.SourceURL,
			l.Title,
			strconv.FormatInt(l.TypeID, 10),
			string(l.Status),
			formatInt64Ptr(l.Price),
			formatIntPtr(l.AreaLand),
			formatIntPtr(l.AreaFloor),
			formatIntPtr(l.AreaBasement),
			formatIntPtr(l.Rooms),
			formatIntPtr(l.BedroomCount),
			formatIntPtr(l.BathroomCount),
			formatStrPtr(l.EnergyClass),
			formatIntPtr(l.Floors),
			formatIntPtr(l.YearBuilt),
			formatIntPtr(l.YearRenovated),
			l.CreatedAt.Format(time.RFC3339),
			l.UpdatedAt.Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVExporter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}

func formatIntPtr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatStrPtr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
