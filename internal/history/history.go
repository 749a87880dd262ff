package history

import (
	"context"
	"fmt"
	"os"
	"time"

	"brea/server/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RetentionPolicy bounds how much history is kept per property. Zero values
// disable the corresponding bound; when both are set both apply.
type RetentionPolicy struct {
	MaxEntries int
	Window     time.Duration
}

func (p RetentionPolicy) unbounded() bool {
	return p.MaxEntries <= 0 && p.Window <= 0
}

// Engine appends price changes and prunes old entries.
type Engine struct {
	db     *gorm.DB
	policy RetentionPolicy
	logger *logrus.Logger
}

func NewEngine(db *gorm.DB, policy RetentionPolicy, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Engine{db: db, policy: policy, logger: logger}
}

// Record appends a price entry and applies retention. It must run inside
// the transaction of the upsert that observed the change.
func (e *Engine) Record(tx *gorm.DB, propertyID uint, price decimal.Decimal, now time.Time) error {
	entry := models.PriceHistoryEntry{
		PropertyID: propertyID,
		PriceUSD:   price,
		RecordedAt: now.UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}

	if _, err := e.Prune(tx, propertyID, now); err != nil {
		return err
	}
	return nil
}

// Prune deletes the oldest entries of one property that fall outside the
// policy. The newest entry always survives the window bound so the current
// price stays in the series.
func (e *Engine) Prune(tx *gorm.DB, propertyID uint, now time.Time) (int64, error) {
	if e.policy.unbounded() {
		return 0, nil
	}

	var pruned int64
	if e.policy.Window > 0 {
		cutoff := now.UTC().Add(-e.policy.Window)
		res := tx.Exec(`
			DELETE FROM price_history
			WHERE property_id = ?
			AND recorded_at < ?
			AND id NOT IN (
				SELECT id FROM price_history
				WHERE property_id = ?
				ORDER BY recorded_at DESC, id DESC
				LIMIT 1
			)`, propertyID, cutoff, propertyID)
		if res.Error != nil {
			return pruned, fmt.Errorf("failed to prune history by window: %w", res.Error)
		}
		pruned += res.RowsAffected
	}

	if e.policy.MaxEntries > 0 {
		res := tx.Exec(`
			DELETE FROM price_history
			WHERE property_id = ?
			AND id NOT IN (
				SELECT id FROM price_history
				WHERE property_id = ?
				ORDER BY recorded_at DESC, id DESC
				LIMIT ?
			)`, propertyID, propertyID, e.policy.MaxEntries)
		if res.Error != nil {
			return pruned, fmt.Errorf("failed to prune history by count: %w", res.Error)
		}
		pruned += res.RowsAffected
	}

	return pruned, nil
}

// Sweep applies retention to every property with history. Each property is
// pruned in its own transaction.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if e.policy.unbounded() {
		return 0, nil
	}

	var ids []uint
	if err := e.db.WithContext(ctx).
		Model(&models.PriceHistoryEntry{}).
		Distinct("property_id").
		Pluck("property_id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to list properties with history: %w", err)
	}

	var total int64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			n, err := e.Prune(tx, id, now)
			total += n
			return err
		})
		if err != nil {
			return total, err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"properties": len(ids),
		"pruned":     total,
	}).Info("Price history sweep completed")
	return total, nil
}

// Trend returns up to points most recent entries, oldest first. A
// non-positive points value returns the whole series.
func (e *Engine) Trend(ctx context.Context, propertyID uint, points int) ([]models.PriceHistoryEntry, error) {
	q := e.db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("recorded_at DESC").
		Order("id DESC")
	if points > 0 {
		q = q.Limit(points)
	}

	var entries []models.PriceHistoryEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to read price trend: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
