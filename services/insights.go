package services

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/boki-dk/boki/models"
)

// InsightService computes aggregate statistics over the normalized catalog.
type InsightService struct {
	logger *zap.SugaredLogger
}

func NewInsightService(logger *zap.SugaredLogger) *InsightService {
	return &InsightService{logger: logger}
}

func (s *InsightService) Generate(listings []*models.Listing) *models.InsightReport {
	report := &models.InsightReport{
		BySource: make(map[models.Source]int),
		ByStatus: make(map[models.ListingStatus]int),
	}

	if len(listings) == 0 {
		return report
	}

	report.TotalListings = len(listings)

	var priced []*models.Listing
	for _, l := range listings {
		report.BySource[l.Source]++
		report.ByStatus[l.Status]++
		if l.Price != nil && *l.Price > 0 {
			priced = append(priced, l)
		}
	}

	// Price stats cover listings with a known, positive price only.
	if len(priced) > 0 {
		report.MinPrice = *priced[0].Price
		report.MaxPrice = *priced[0].Price
		report.MostExpensive = priced[0]
		report.Cheapest = priced[0]
		var total int64
		for _, l := range priced {
			total += *l.Price
			if *l.Price < report.MinPrice {
				report.MinPrice = *l.Price
				report.Cheapest = l
			}
			if *l.Price > report.MaxPrice {
				report.MaxPrice = *l.Price
				report.MostExpensive = l
			}
		}
		report.AveragePrice = round2(float64(total) / float64(len(priced)))
	}

	return report
}

func (s *InsightService) Print(r *models.InsightReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  📊 CATALOG INSIGHTS\033[0m\n")
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	// Overview
	fmt.Printf("\033[1;33m  Overview\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Total listings : \033[1m%d\033[0m\n", r.TotalListings)
	for _, src := range models.Sources {
		if n, ok := r.BySource[src]; ok {
			fmt.Printf("  %-14s : \033[1m%d\033[0m\n", src, n)
		}
	}
	fmt.Println()

	// Status breakdown
	fmt.Printf("\033[1;33m  By Status\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.ByStatus) == 0 {
		fmt.Printf("  No listings\n")
	} else {
		type statusCount struct {
			status models.ListingStatus
			count  int
		}
		var counts []statusCount
		for st, n := range r.ByStatus {
			counts = append(counts, statusCount{st, n})
		}
		sort.Slice(counts, func(i, j int) bool {
			return counts[i].count > counts[j].count
		})
		for _, sc := range counts {
			fmt.Printf("  %-12s %d\n", sc.status, sc.count)
		}
	}
	fmt.Println()

	// Price stats
	fmt.Printf("\033[1;33m  Price Statistics (DKK)\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if r.AveragePrice > 0 {
		fmt.Printf("  Average price : \033[1;32m%.0f\033[0m\n", r.AveragePrice)
		fmt.Printf("  Minimum price : \033[1;32m%d\033[0m\n", r.MinPrice)
		fmt.Printf("  Maximum price : \033[1;32m%d\033[0m\n", r.MaxPrice)
	} else {
		fmt.Printf("  No price data available\n")
	}
	fmt.Println()

	if r.MostExpensive != nil {
		fmt.Printf("\033[1;33m  Most Expensive Listing\033[0m\n")
		fmt.Printf("  %s\n", thin)
		fmt.Printf("  %s\n", truncate(r.MostExpensive.Title, 50))
		fmt.Printf("  Price : \033[1;31m%d DKK\033[0m\n", *r.MostExpensive.Price)
		fmt.Printf("  URL   : %s\n", r.MostExpensive.SourceURL)
		fmt.Println()
	}

	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
