package models

// InsightReport is an aggregate snapshot of the normalized catalog.
type InsightReport struct {
	TotalListings int
	BySource      map[Source]int
	ByStatus      map[ListingStatus]int
	AveragePrice  float64
	MinPrice      int64
	MaxPrice      int64
	MostExpensive *Listing
	Cheapest      *Listing
}
