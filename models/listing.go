package models

import "time"

// Source identifies the external listings site a record originates from.
type Source string

const (
	SourceNybolig Source = "nybolig"
	SourceHome    Source = "home"
)

// Sources lists every supported source.
var Sources = []Source{SourceNybolig, SourceHome}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// ListingStatus is the lifecycle state of a normalized listing.
// unlisted is terminal: once set, the listing is excluded from refresh cycles.
type ListingStatus string

const (
	StatusActive   ListingStatus = "active"
	StatusSold     ListingStatus = "sold"
	StatusReserved ListingStatus = "reserved"
	StatusUnlisted ListingStatus = "unlisted"
)

// Address is the canonical, DAWA-resolved address of a listing.
// Created once at promotion time and never mutated.
type Address struct {
	ID             int64     `db:"id"`
	Street         string    `db:"street"`
	HouseNumber    string    `db:"house_number"`
	Floor          *string   `db:"floor"`
	Door           *string   `db:"door"`
	PostalCode     string    `db:"postal_code"`
	PostalCodeName string    `db:"postal_code_name"`
	ExtraCity      *string   `db:"extra_city"`
	LocationX      float64   `db:"location_x"`
	LocationY      float64   `db:"location_y"`
	DisplayName    string    `db:"display_name"`
	Slug           string    `db:"slug"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ListingType is a lazily created dictionary row ("Villa", "Ejerlejlighed", ...).
type ListingType struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Listing is a normalized catalog entry. Created by the reconciliation
// processor, refreshed (or terminally unlisted) by the update reconciler.
// Fields the source may omit are pointers.
type Listing struct {
	ID            int64         `db:"id"`
	Title         string        `db:"title"`
	Description   string        `db:"description"`
	Source        Source        `db:"source"`
	SourceURL     string        `db:"source_url"`
	AddressID     int64         `db:"address_id"`
	TypeID        int64         `db:"type_id"`
	Status        ListingStatus `db:"status"`
	Price         *int64        `db:"price"`
	AreaLand      *int          `db:"area_land"`
	AreaFloor     *int          `db:"area_floor"`
	AreaBasement  *int          `db:"area_basement"`
	Rooms         *int          `db:"rooms"`
	BedroomCount  *int          `db:"bedroom_count"`
	BathroomCount *int          `db:"bathroom_count"`
	EnergyClass   *string       `db:"energy_class"`
	MainImgURL    *string       `db:"main_img_url"`
	MainImgAlt    *string       `db:"main_img_alt"`
	Floors        *int          `db:"floors"`
	YearBuilt     *int          `db:"year_built"`
	YearRenovated *int          `db:"year_renovated"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// ImageKind distinguishes photos from floor plans.
type ImageKind string

const (
	ImageKindPhoto     ImageKind = "image"
	ImageKindFloorplan ImageKind = "floorplan"
)

// ListingImage is one photo or floor plan attached to a listing at promotion
// time. Images are never refreshed afterwards.
type ListingImage struct {
	ID        int64     `db:"id"`
	ListingID int64     `db:"listing_id"`
	URL       string    `db:"url"`
	Order     int       `db:"img_order"`
	Alt       *string   `db:"alt"`
	Kind      ImageKind `db:"kind"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
