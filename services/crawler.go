package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
	"github.com/boki-dk/boki/storage"
	"github.com/boki-dk/boki/utils"
)

// ContentHash returns the hex-encoded SHA-256 of a candidate payload. The
// JSON is compacted first so formatting differences between fetches don't
// masquerade as content changes.
func ContentHash(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// CrawlParams scopes one crawl invocation.
type CrawlParams struct {
	// PostalCode limits the crawl to one postal code (full crawls run one
	// invocation per code). Empty means newest-first, nationwide.
	PostalCode string
	PageSize   int
	// MaxPages caps pagination; zero or negative means unbounded.
	MaxPages int
	// MinNewPerPage stops pagination once a page yields this many or fewer
	// genuinely new records. Zero or negative disables the heuristic
	// (full-crawl mode: continue until the source reports no more pages).
	MinNewPerPage int
}

// CrawlStats summarizes one crawl invocation.
type CrawlStats struct {
	Pages     int
	New       int
	Updated   int
	Unchanged int
	Failed    int
}

// Crawler drives paginated enumeration of one source and keeps the raw
// staging store up to date. Identical content never triggers a write.
type Crawler struct {
	store   storage.StagingStore
	adapter scraper.Adapter
	logger  *zap.SugaredLogger
	// delay is the politeness pause between page fetches. Deliberate
	// backpressure towards the source, not an incidental sleep.
	delay time.Duration
}

// NewCrawler creates a Crawler for one source.
func NewCrawler(store storage.StagingStore, adapter scraper.Adapter, logger *zap.SugaredLogger, delay time.Duration) *Crawler {
	return &Crawler{store: store, adapter: adapter, logger: logger, delay: delay}
}

// Run fetches pages strictly sequentially: page N+1 is never requested
// before page N's records are fully upserted. A page-fetch failure aborts
// the remaining pagination; a single bad candidate only skips that record.
func (c *Crawler) Run(ctx context.Context, params CrawlParams) (*CrawlStats, error) {
	source := c.adapter.Source()
	stats := &CrawlStats{}
	seen := utils.NewStringSet()

	listParams := scraper.ListParams{PostalCode: params.PostalCode, PageSize: params.PageSize}
	token := ""

	for page := 1; ; page++ {
		result, err := c.adapter.ListPage(ctx, listParams, token)
		if err != nil {
			return stats, fmt.Errorf("crawl %s page %d: %w", source, page, err)
		}
		stats.Pages++

		newOnPage := 0
		for _, cand := range result.Candidates {
			outcome, err := c.upsert(ctx, source, seen, cand)
			if err != nil {
				stats.Failed++
				c.logger.Warnf("[crawler] %s candidate %q failed: %v", source, cand.ExternalID, err)
				continue
			}
			switch outcome {
			case upsertInserted:
				stats.New++
				newOnPage++
			case upsertUpdated:
				stats.Updated++
			case upsertUnchanged:
				stats.Unchanged++
			}
		}

		c.logger.Infof("[crawler] %s page %d: %d candidates, %d new", source, page, len(result.Candidates), newOnPage)

		if !result.HasNext {
			break
		}
		if params.MinNewPerPage > 0 && newOnPage <= params.MinNewPerPage {
			c.logger.Infof("[crawler] %s stopping: only %d new on page %d", source, newOnPage, page)
			break
		}
		if params.MaxPages > 0 && page >= params.MaxPages {
			c.logger.Infof("[crawler] %s stopping: reached page cap %d", source, params.MaxPages)
			break
		}

		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-time.After(c.delay):
		}
		token = result.NextToken
	}

	return stats, nil
}

type upsertOutcome int

const (
	upsertInserted upsertOutcome = iota
	upsertUpdated
	upsertUnchanged
)

func (c *Crawler) upsert(ctx context.Context, source models.Source, seen *utils.StringSet, cand models.Candidate) (upsertOutcome, error) {
	if cand.ExternalID == "" {
		return 0, errors.New("candidate has no external id")
	}
	// Sources occasionally repeat a record across pages within one crawl.
	if !seen.Add(string(source) + ":" + cand.ExternalID) {
		return upsertUnchanged, nil
	}

	hash := ContentHash(cand.Payload)

	existing, err := c.store.FindScraped(ctx, source, cand.ExternalID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := c.store.InsertScraped(ctx, source, cand.ExternalID, cand.Payload, hash); err != nil {
			return 0, err
		}
		return upsertInserted, nil
	}
	if err != nil {
		return 0, err
	}

	if existing.ContentHash == hash {
		return upsertUnchanged, nil
	}

	if err := c.store.UpdateScrapedPayload(ctx, existing.ID, cand.Payload, hash); err != nil {
		return 0, err
	}
	return upsertUpdated, nil
}

// Add merges other into s, for aggregating per-postal-code sub-crawls.
func (s *CrawlStats) Add(other *CrawlStats) {
	s.Pages += other.Pages
	s.New += other.New
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
	s.Failed += other.Failed
}
