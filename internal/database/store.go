package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"brea/server/internal/history"
	"brea/server/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store owns properties. All writes go through Upsert and MarkAbsent.
type Store struct {
	db               *gorm.DB
	history          *history.Engine
	absenceThreshold int
	logger           *logrus.Logger
}

// UpsertResult describes what an upsert did.
type UpsertResult struct {
	Property     models.Property
	Created      bool
	PriceChanged bool
}

func NewStore(db *gorm.DB, engine *history.Engine, absenceThreshold int, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Store{
		db:               db,
		history:          engine,
		absenceThreshold: absenceThreshold,
		logger:           logger,
	}
}

// DB exposes the underlying handle for collaborators sharing the pool.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Upsert inserts a listing or merges it onto the stored property with the
// same identity. A price change is appended to the history in the same
// transaction. Callers serialise upserts per identity.
func (s *Store) Upsert(ctx context.Context, raw models.RawListing, now time.Time) (*UpsertResult, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	now = now.UTC()

	var result UpsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Property
		err := tx.Where("source = ? AND external_id = ?", raw.Source, raw.ExternalID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p := newProperty(raw, now)
			if err := tx.Create(&p).Error; err != nil {
				return fmt.Errorf("failed to insert property: %w", err)
			}
			if p.PriceUSD.Valid {
				if err := s.history.Record(tx, p.ID, p.PriceUSD.Decimal, now); err != nil {
					return err
				}
				result.PriceChanged = true
			}
			result.Property = p
			result.Created = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up property: %w", err)
		}

		priceChanged := priceDiffers(existing.PriceUSD, raw.PriceUSD)
		s.merge(&existing, raw, now)
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to update property: %w", err)
		}
		if priceChanged {
			if err := s.history.Record(tx, existing.ID, existing.PriceUSD.Decimal, now); err != nil {
				return err
			}
			result.PriceChanged = true
		}
		result.Property = existing
		return nil
	})
	if err != nil {
		return nil, classify("upsert property", err)
	}
	return &result, nil
}

func newProperty(raw models.RawListing, now time.Time) models.Property {
	return models.Property{
		Source:         raw.Source,
		ExternalID:     raw.ExternalID,
		URL:            raw.URL,
		District:       raw.District,
		PropertyType:   raw.PropertyType,
		Title:          raw.Title,
		Address:        raw.Address,
		Description:    raw.Description,
		PriceUSD:       raw.PriceUSD,
		SizeM2:         raw.SizeM2,
		Rooms:          raw.Rooms,
		AntiquityYears: raw.AntiquityYears,
		ImageURLs:      imageURLs(raw.ImageURLs),
		Status:         raw.Status,
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}
}

// merge copies the fields the listing carries. Absent optional values keep
// what was stored before.
func (s *Store) merge(p *models.Property, raw models.RawListing, now time.Time) {
	if raw.URL != "" {
		p.URL = raw.URL
	}
	if raw.Title != "" {
		p.Title = raw.Title
	}
	if raw.Address != "" {
		p.Address = raw.Address
	}
	if raw.Description != "" {
		p.Description = raw.Description
	}
	if raw.PriceUSD.Valid {
		p.PriceUSD = raw.PriceUSD
	}
	if raw.SizeM2 != nil {
		p.SizeM2 = raw.SizeM2
	}
	if raw.Rooms != nil {
		p.Rooms = raw.Rooms
	}
	if raw.AntiquityYears != nil {
		p.AntiquityYears = raw.AntiquityYears
	}
	if len(raw.ImageURLs) > 0 {
		p.ImageURLs = imageURLs(raw.ImageURLs)
	}

	if p.Status.CanTransition(raw.Status) {
		p.Status = raw.Status
	} else {
		s.logger.WithFields(logrus.Fields{
			"identity": p.Identity().String(),
			"stored":   p.Status,
			"observed": raw.Status,
		}).Warn("Ignoring status transition")
	}

	p.AbsenceCount = 0
	p.LastSeenAt = now
}

func priceDiffers(stored, observed decimal.NullDecimal) bool {
	if !observed.Valid {
		return false
	}
	return !stored.Valid || !stored.Decimal.Equal(observed.Decimal)
}

func imageURLs(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	out := make([]string, len(urls))
	copy(out, urls)
	return out
}

// MarkAbsent bumps the absence counter of every active property in scope
// that was not seen during a full pass. Price and size bounds of the scope
// restrict which stored properties the pass could have seen; properties
// without a value for a bounded field are left alone. Properties reaching
// the threshold become removed and their counter resets. It returns how
// many were removed.
func (s *Store) MarkAbsent(ctx context.Context, source string, scope models.Scope, seenIDs []string, now time.Time) (int, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inScope := func() *gorm.DB {
			q := tx.Model(&models.Property{}).
				Where("source = ? AND LOWER(district) = LOWER(?) AND property_type = ? AND status = ?",
					source, scope.District, scope.PropertyType, models.StatusActive)
			q = withinBounds(q, "price_usd", scope.MinPrice, scope.MaxPrice)
			q = withinBounds(q, "size_m2", scope.MinSize, scope.MaxSize)
			if len(seenIDs) > 0 {
				q = q.Where("external_id NOT IN ?", seenIDs)
			}
			return q
		}

		res := inScope().UpdateColumn("absence_count", gorm.Expr("absence_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("failed to increment absence counters: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		res = inScope().
			Where("absence_count >= ?", s.absenceThreshold).
			UpdateColumns(map[string]interface{}{
				"status":        models.StatusRemoved,
				"absence_count": 0,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark properties removed: %w", res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, classify("mark absent", err)
	}

	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"source":  source,
			"scope":   scope.String(),
			"removed": removed,
		}).Info("Marked absent properties as removed")
	}
	return int(removed), nil
}

func withinBounds(q *gorm.DB, column string, min, max int64) *gorm.DB {
	if min > 0 {
		q = q.Where(fmt.Sprintf("%s >= ?", column), min)
	}
	if max > 0 {
		q = q.Where(fmt.Sprintf("%s <= ?", column), max)
	}
	return q
}

// GetProperty returns one property by id.
func (s *Store) GetProperty(ctx context.Context, id uint) (*models.Property, error) {
	var p models.Property
	if err := s.db.WithContext(ctx).Take(&p, id).Error; err != nil {
		return nil, classify("get property", err)
	}
	return &p, nil
}

// ScopeKey is a (source, district, type) triple already present in the store.
type ScopeKey struct {
	Source       string
	District     string
	PropertyType models.PropertyType
}

// DistinctScopes lists the scopes that still have non-removed properties.
func (s *Store) DistinctScopes(ctx context.Context) ([]ScopeKey, error) {
	var keys []ScopeKey
	err := s.db.WithContext(ctx).
		Model(&models.Property{}).
		Select("DISTINCT source, district, property_type").
		Where("status <> ?", models.StatusRemoved).
		Order("source, district, property_type").
		Scan(&keys).Error
	if err != nil {
		return nil, classify("list scopes", err)
	}
	return keys, nil
}
