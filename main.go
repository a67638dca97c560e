package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boki-dk/boki/config"
	"github.com/boki-dk/boki/dawa"
	"github.com/boki-dk/boki/models"
	"github.com/boki-dk/boki/scraper"
	"github.com/boki-dk/boki/scraper/home"
	"github.com/boki-dk/boki/scraper/nybolig"
	"github.com/boki-dk/boki/services"
	"github.com/boki-dk/boki/storage"
	"github.com/boki-dk/boki/utils"
)

// app bundles the wired-up dependencies every command shares.
type app struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	store    *storage.Store
	dawa     *dawa.Client
	adapters map[models.Source]scraper.Adapter
}

func newApp() (*app, error) {
	cfg := config.Load()
	logger := utils.NewLogger(cfg.LogLevel)

	store, err := storage.NewStore(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	timeout := time.Duration(cfg.FetchTimeoutS) * time.Second
	browser := scraper.NewBrowser(cfg.ChromeBin)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		dawa:   dawa.NewClient(cfg.DawaBaseURL, timeout),
		adapters: map[models.Source]scraper.Adapter{
			models.SourceNybolig: nybolig.New(logger, timeout),
			models.SourceHome:    home.New(logger, browser, timeout),
		},
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warnf("[main] closing store: %v", err)
	}
}

// sourcesFor resolves the --source flag: empty means every source.
func (a *app) sourcesFor(flag string) ([]models.Source, error) {
	if flag == "" {
		return models.Sources, nil
	}
	src := models.Source(flag)
	if !src.Valid() {
		return nil, fmt.Errorf("unknown source %q", flag)
	}
	return []models.Source{src}, nil
}

func (a *app) crawlDelay() time.Duration {
	return time.Duration(a.cfg.CrawlDelayMs) * time.Millisecond
}

// crawlNewest runs one newest-first crawl per source, stopping early once a
// page stops yielding enough new records.
func (a *app) crawlNewest(ctx context.Context, sources []models.Source, postalCode string) error {
	for _, src := range sources {
		crawler := services.NewCrawler(a.store, a.adapters[src], a.logger, a.crawlDelay())
		stats, err := crawler.Run(ctx, services.CrawlParams{
			PostalCode:    postalCode,
			PageSize:      a.cfg.PageSize,
			MaxPages:      a.cfg.MaxPages,
			MinNewPerPage: a.cfg.MinNewPerPage,
		})
		if err != nil {
			return err
		}
		a.logger.Infof("[main] %s crawl done: %d pages, %d new, %d updated, %d unchanged, %d failed",
			src, stats.Pages, stats.New, stats.Updated, stats.Unchanged, stats.Failed)
	}
	return nil
}

// crawlAll enumerates every Danish postal code and runs one exhaustive
// sub-crawl per (source, postal code) pair through a bounded worker pool.
func (a *app) crawlAll(ctx context.Context, sources []models.Source) error {
	codes, err := a.dawa.PostalCodes(ctx)
	if err != nil {
		return err
	}
	a.logger.Infof("[main] full crawl across %d postal codes", len(codes))

	retry := &utils.RetryConfig{MaxAttempts: a.cfg.MaxRetries, BaseDelay: 2 * time.Second, Logger: a.logger}
	pool := utils.NewWorkerPool(a.cfg.MaxConcurrency, a.cfg.CrawlDelayMs)

	var mu sync.Mutex
	total := &services.CrawlStats{}

	for _, src := range sources {
		crawler := services.NewCrawler(a.store, a.adapters[src], a.logger, a.crawlDelay())
		for _, pc := range codes {
			src, pc := src, pc
			pool.Submit(func() {
				if ctx.Err() != nil {
					return
				}
				area := pc.Nr + " " + pc.Name
				err := retry.Do(ctx, fmt.Sprintf("crawl %s %s", src, area), func() error {
					stats, err := crawler.Run(ctx, services.CrawlParams{
						PostalCode: area,
						PageSize:   a.cfg.PageSize,
					})
					if err != nil {
						return err
					}
					mu.Lock()
					total.Add(stats)
					mu.Unlock()
					return nil
				})
				if err != nil {
					a.logger.Warnf("[main] sub-crawl %s %s failed: %v", src, area, err)
				}
			})
		}
	}
	pool.Wait()

	a.logger.Infof("[main] full crawl done: %d pages, %d new, %d updated, %d unchanged, %d failed",
		total.Pages, total.New, total.Updated, total.Unchanged, total.Failed)
	return ctx.Err()
}

// processPending drains the unprocessed staging queue for each source.
// limit <= 0 means keep going until the queue is empty.
func (a *app) processPending(ctx context.Context, sources []models.Source, limit int) error {
	for _, src := range sources {
		proc := services.NewProcessor(a.store, a.adapters[src], a.dawa, a.logger)

		promoted, rejected := 0, 0
	drain:
		for n := 0; limit <= 0 || n < limit; n++ {
			_, err := proc.ProcessOne(ctx)
			switch {
			case err == nil:
				promoted++
			case errors.Is(err, services.ErrNothingToDo):
				break drain
			case errors.Is(err, services.ErrNoValidAddress):
				rejected++
			case errors.Is(err, storage.ErrAlreadyPromoted):
				// another invocation took this record, keep going
			default:
				a.logger.Warnf("[main] %s processing stopped: %v", src, err)
				break drain
			}
		}
		a.logger.Infof("[main] %s processed: %d promoted, %d rejected", src, promoted, rejected)
	}
	return nil
}

// refreshListings refreshes the stalest listings for each source.
func (a *app) refreshListings(ctx context.Context, sources []models.Source, limit int) error {
	if limit <= 0 {
		limit = 1
	}
	for _, src := range sources {
		upd := services.NewUpdater(a.store, a.adapters[src], a.logger)
		for i := 0; i < limit; i++ {
			_, err := upd.RefreshOne(ctx)
			if errors.Is(err, services.ErrNothingToDo) {
				break
			}
			if errors.Is(err, storage.ErrUpdateConflict) {
				continue
			}
			if err != nil {
				a.logger.Warnf("[main] %s refresh stopped: %v", src, err)
				break
			}
		}
	}
	return nil
}

func (a *app) export(ctx context.Context, path string) error {
	var all []*models.Listing
	for _, src := range models.Sources {
		listings, err := a.store.ListListings(ctx, src)
		if err != nil {
			return err
		}
		all = append(all, listings...)
	}

	exporter, err := storage.NewCSVExporter(path)
	if err != nil {
		return err
	}
	defer exporter.Close()

	if err := exporter.WriteListings(all); err != nil {
		return err
	}
	a.logger.Infof("[main] exported %d listings to %s", len(all), path)
	return nil
}

func (a *app) stats(ctx context.Context) error {
	var all []*models.Listing
	for _, src := range models.Sources {
		listings, err := a.store.ListListings(ctx, src)
		if err != nil {
			return err
		}
		all = append(all, listings...)
	}

	svc := services.NewInsightService(a.logger)
	svc.Print(svc.Generate(all))
	return nil
}

// schedule runs the three pipeline stages on their cron cadences until
// interrupted.
func (a *app) schedule(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc(a.cfg.CrawlCron, func() {
		if err := a.crawlNewest(ctx, models.Sources, ""); err != nil {
			a.logger.Errorf("[main] scheduled crawl: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("crawl cron %q: %w", a.cfg.CrawlCron, err)
	}

	if _, err := c.AddFunc(a.cfg.ProcessCron, func() {
		if err := a.processPending(ctx, models.Sources, 0); err != nil {
			a.logger.Errorf("[main] scheduled processing: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("process cron %q: %w", a.cfg.ProcessCron, err)
	}

	if _, err := c.AddFunc(a.cfg.RefreshCron, func() {
		if err := a.refreshListings(ctx, models.Sources, 1); err != nil {
			a.logger.Errorf("[main] scheduled refresh: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh cron %q: %w", a.cfg.RefreshCron, err)
	}

	a.logger.Infof("[main] scheduler running (crawl %q, process %q, refresh %q)",
		a.cfg.CrawlCron, a.cfg.ProcessCron, a.cfg.RefreshCron)
	c.Start()
	<-ctx.Done()

	stop := c.Stop()
	<-stop.Done()
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		sourceFlag string
		postalCode string
		limit      int
		outPath    string
	)

	root := &cobra.Command{
		Use:           "boki",
		Short:         "Danish real-estate listing aggregation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sourceFlag, "source", "", "restrict to one source (nybolig, home)")

	var a *app
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = newApp()
		return err
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a != nil {
			a.close()
		}
	}

	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl newest listings from the source sites into staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := a.sourcesFor(sourceFlag)
			if err != nil {
				return err
			}
			return a.crawlNewest(ctx, sources, postalCode)
		},
	}
	crawlCmd.Flags().StringVar(&postalCode, "postal-code", "", `restrict the crawl to one postal code ("8000 Aarhus C")`)

	crawlAllCmd := &cobra.Command{
		Use:   "crawl-all",
		Short: "Exhaustively crawl every postal code into staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := a.sourcesFor(sourceFlag)
			if err != nil {
				return err
			}
			return a.crawlAll(ctx, sources)
		},
	}

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Promote staged records into the normalized catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := a.sourcesFor(sourceFlag)
			if err != nil {
				return err
			}
			return a.processPending(ctx, sources, limit)
		},
	}
	processCmd.Flags().IntVar(&limit, "limit", 0, "max records per source (0 = drain the queue)")

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-check the stalest catalog listings against their live pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := a.sourcesFor(sourceFlag)
			if err != nil {
				return err
			}
			return a.refreshListings(ctx, sources, limit)
		},
	}
	refreshCmd.Flags().IntVar(&limit, "limit", 1, "listings to refresh per source")

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run crawl, process and refresh on their cron cadences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.schedule(ctx)
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the normalized catalog to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := outPath
			if path == "" {
				path = a.cfg.CSVOutputPath
			}
			return a.export(ctx, path)
		},
	}
	exportCmd.Flags().StringVar(&outPath, "out", "", "output path (defaults to CSV_OUTPUT_PATH)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate catalog statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stats(ctx)
		},
	}

	root.AddCommand(crawlCmd, crawlAllCmd, processCmd, refreshCmd, scheduleCmd, exportCmd, statsCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
