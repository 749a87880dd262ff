package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"brea/server/internal/apperr"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Property is a stored listing. Identity is (Source, ExternalID).
type Property struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	Source         string                      `gorm:"column:source" json:"source"`
	ExternalID     string                      `gorm:"column:external_id" json:"external_id"`
	URL            string                      `gorm:"column:url" json:"url"`
	District       string                      `gorm:"column:district" json:"district"`
	PropertyType   PropertyType                `gorm:"column:property_type" json:"property_type"`
	Title          string                      `gorm:"column:title" json:"title"`
	Address        string                      `gorm:"column:address" json:"address"`
	Description    string                      `gorm:"column:description" json:"description"`
	PriceUSD       decimal.NullDecimal         `gorm:"column:price_usd" json:"price_usd"`
	SizeM2         *float64                    `gorm:"column:size_m2" json:"size_m2"`
	Rooms          *int                        `gorm:"column:rooms" json:"rooms"`
	AntiquityYears *int                        `gorm:"column:antiquity_years" json:"antiquity_years"`
	ImageURLs      datatypes.JSONSlice[string] `gorm:"column:image_urls" json:"image_urls"`
	Status         Status                      `gorm:"column:status" json:"status"`
	AbsenceCount   int                         `gorm:"column:absence_count" json:"absence_count"`
	FirstSeenAt    time.Time                   `gorm:"column:first_seen_at" json:"first_seen_at"`
	LastSeenAt     time.Time                   `gorm:"column:last_seen_at" json:"last_seen_at"`
}

func (Property) TableName() string {
	return "properties"
}

// Identity returns the global identity of the stored property.
func (p *Property) Identity() Identity {
	return Identity{Source: p.Source, ExternalID: p.ExternalID}
}

// Identity is the (source, external id) pair that uniquely identifies a listing.
type Identity struct {
	Source     string
	ExternalID string
}

func (i Identity) String() string {
	return i.Source + ":" + i.ExternalID
}

// RawListing is what an adapter produces for one listing card. Optional
// numeric fields are nil when the source did not show them.
type RawListing struct {
	Source         string              `json:"source"`
	ExternalID     string              `json:"external_id"`
	URL            string              `json:"url"`
	District       string              `json:"district"`
	PropertyType   PropertyType        `json:"property_type"`
	Title          string              `json:"title"`
	Address        string              `json:"address"`
	Description    string              `json:"description"`
	PriceUSD       decimal.NullDecimal `json:"price_usd"`
	SizeM2         *float64            `json:"size_m2"`
	Rooms          *int                `json:"rooms"`
	AntiquityYears *int                `json:"antiquity_years"`
	Status         Status              `json:"status"`
	ImageURLs      []string            `json:"image_urls"`
}

func (r *RawListing) Identity() Identity {
	return Identity{Source: r.Source, ExternalID: r.ExternalID}
}

// Validate enforces the domain contract before anything is persisted.
// An empty status is normalised to active.
func (r *RawListing) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return apperr.Validation("source", "must not be empty")
	}
	if strings.TrimSpace(r.ExternalID) == "" {
		return apperr.Validation("external_id", "must not be empty")
	}
	if !r.PropertyType.IsValid() {
		return apperr.Validation("property_type", "unknown property type %q", r.PropertyType)
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if !r.Status.IsValid() {
		return apperr.Validation("status", "unknown status %q", r.Status)
	}
	if r.PriceUSD.Valid && r.PriceUSD.Decimal.IsNegative() {
		return apperr.Validation("price_usd", "must not be negative, got %s", r.PriceUSD.Decimal)
	}
	if r.SizeM2 != nil && *r.SizeM2 <= 0 {
		return apperr.Validation("size_m2", "must be positive, got %v", *r.SizeM2)
	}
	if r.Rooms != nil && *r.Rooms < 0 {
		return apperr.Validation("rooms", "must not be negative, got %d", *r.Rooms)
	}
	if r.AntiquityYears != nil && *r.AntiquityYears < 0 {
		return apperr.Validation("antiquity_years", "must not be negative, got %d", *r.AntiquityYears)
	}
	return nil
}

// PriceHistoryEntry records one observed price change. Rows are only ever
// appended or pruned from the oldest end.
type PriceHistoryEntry struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	PropertyID uint            `gorm:"column:property_id" json:"property_id"`
	PriceUSD   decimal.Decimal `gorm:"column:price_usd" json:"price_usd"`
	RecordedAt time.Time       `gorm:"column:recorded_at" json:"recorded_at"`
}

func (PriceHistoryEntry) TableName() string {
	return "price_history"
}

// Scope is the filter scope of a full scrape pass, used to decide which
// unseen properties count as absent. A zero bound is unbounded.
type Scope struct {
	District     string
	PropertyType PropertyType
	MinPrice     int64
	MaxPrice     int64
	MinSize      int64
	MaxSize      int64
}

// Filtered reports whether the scope narrows by price or size.
func (s Scope) Filtered() bool {
	return s.MinPrice > 0 || s.MaxPrice > 0 || s.MinSize > 0 || s.MaxSize > 0
}

func (s Scope) String() string {
	out := fmt.Sprintf("%s/%s", s.District, s.PropertyType)
	if s.MinPrice > 0 || s.MaxPrice > 0 {
		out += fmt.Sprintf(" price[%s,%s]", bound(s.MinPrice), bound(s.MaxPrice))
	}
	if s.MinSize > 0 || s.MaxSize > 0 {
		out += fmt.Sprintf(" size[%s,%s]", bound(s.MinSize), bound(s.MaxSize))
	}
	return out
}

func bound(v int64) string {
	if v <= 0 {
		return "*"
	}
	return strconv.FormatInt(v, 10)
}
