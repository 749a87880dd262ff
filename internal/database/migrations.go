package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"brea/server/internal/apperr"
	"brea/server/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// archiveToken is replaced in down steps by a unique suffix, so a rolled
// back table keeps its rows under a new name instead of being dropped.
const archiveToken = "{{archive}}"

var dropTablePattern = regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`)

// Migration is one reversible schema step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Checksum identifies the up step so edits to an applied migration are detected.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

// Migrations is the ordered schema history.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "create_properties",
		Up: `
CREATE TABLE properties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    external_id TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    district TEXT NOT NULL,
    property_type TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    price_usd REAL CHECK (price_usd IS NULL OR price_usd >= 0),
    size_m2 REAL CHECK (size_m2 IS NULL OR size_m2 > 0),
    rooms INTEGER CHECK (rooms IS NULL OR rooms >= 0),
    antiquity_years INTEGER CHECK (antiquity_years IS NULL OR antiquity_years >= 0),
    image_urls TEXT NOT NULL DEFAULT '[]',
    first_seen_at DATETIME NOT NULL,
    last_seen_at DATETIME NOT NULL,
    UNIQUE (source, external_id)
);
CREATE INDEX idx_properties_scope ON properties(source, district, property_type);`,
		Down: `
DROP INDEX IF EXISTS idx_properties_scope;
ALTER TABLE properties RENAME TO properties_` + archiveToken + `;`,
	},
	{
		Version: 2,
		Name:    "create_price_history",
		Up: `
CREATE TABLE price_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    property_id INTEGER NOT NULL REFERENCES properties(id),
    price_usd REAL NOT NULL CHECK (price_usd >= 0),
    recorded_at DATETIME NOT NULL
);
CREATE INDEX idx_price_history_property ON price_history(property_id, recorded_at);`,
		Down: `
DROP INDEX IF EXISTS idx_price_history_property;
ALTER TABLE price_history RENAME TO price_history_` + archiveToken + `;`,
	},
	{
		Version: 3,
		Name:    "create_images",
		Up: `
CREATE TABLE images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    perceptual_hash INTEGER NOT NULL,
    content_sha256 TEXT NOT NULL UNIQUE,
    source_url TEXT NOT NULL,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    downloaded_at DATETIME NOT NULL
);
CREATE TABLE property_images (
    property_id INTEGER NOT NULL REFERENCES properties(id),
    url TEXT NOT NULL,
    image_id INTEGER NOT NULL REFERENCES images(id),
    position INTEGER NOT NULL DEFAULT 0,
    linked_at DATETIME NOT NULL,
    PRIMARY KEY (property_id, url)
);
CREATE INDEX idx_property_images_url ON property_images(url);
CREATE INDEX idx_property_images_image ON property_images(image_id);`,
		Down: `
DROP INDEX IF EXISTS idx_property_images_image;
DROP INDEX IF EXISTS idx_property_images_url;
ALTER TABLE property_images RENAME TO property_images_` + archiveToken + `;
ALTER TABLE images RENAME TO images_` + archiveToken + `;`,
	},
	{
		Version: 4,
		Name:    "add_property_status",
		Up: `
ALTER TABLE properties ADD COLUMN status TEXT NOT NULL DEFAULT 'active';
CREATE INDEX idx_properties_status ON properties(status);`,
		Down: `
DROP INDEX IF EXISTS idx_properties_status;
ALTER TABLE properties DROP COLUMN status;`,
	},
	{
		Version: 5,
		Name:    "add_absence_counter",
		Up:      `ALTER TABLE properties ADD COLUMN absence_count INTEGER NOT NULL DEFAULT 0;`,
		Down:    `ALTER TABLE properties DROP COLUMN absence_count;`,
	},
	{
		Version: 6,
		Name:    "create_scrape_runs",
		Up: `
CREATE TABLE scrape_runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    district TEXT NOT NULL,
    property_types TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    status TEXT NOT NULL,
    created INTEGER NOT NULL DEFAULT 0,
    updated INTEGER NOT NULL DEFAULT 0,
    removed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    failed_pages INTEGER NOT NULL DEFAULT 0,
    pages_fetched INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_scrape_runs_started ON scrape_runs(started_at);`,
		Down: `
DROP INDEX IF EXISTS idx_scrape_runs_started;
ALTER TABLE scrape_runs RENAME TO scrape_runs_` + archiveToken + `;`,
	},
	{
		Version: 7,
		Name:    "create_image_checksums",
		Up: `
CREATE TABLE image_checksums (
    content_sha256 TEXT PRIMARY KEY,
    image_id INTEGER NOT NULL REFERENCES images(id),
    recorded_at DATETIME NOT NULL
);
CREATE INDEX idx_image_checksums_image ON image_checksums(image_id);
INSERT INTO image_checksums (content_sha256, image_id, recorded_at)
SELECT content_sha256, id, downloaded_at FROM images;`,
		Down: `
DROP INDEX IF EXISTS idx_image_checksums_image;
ALTER TABLE image_checksums RENAME TO image_checksums_` + archiveToken + `;`,
	},
}

// ValidateMigrations checks ordering and rejects down steps that drop tables.
func ValidateMigrations(migrations []Migration) error {
	for i, m := range migrations {
		if m.Version != i+1 {
			return apperr.Migration(m.Version, fmt.Errorf("expected version %d at position %d", i+1, i))
		}
		if strings.TrimSpace(m.Up) == "" || strings.TrimSpace(m.Down) == "" {
			return apperr.Migration(m.Version, errors.New("both up and down steps are required"))
		}
		if dropTablePattern.MatchString(m.Down) {
			return apperr.Migration(m.Version, errors.New("down step drops a table; archive it with a rename instead"))
		}
	}
	return nil
}

// Migrator applies and reverts Migrations and keeps the migrations log.
type Migrator struct {
	db         *gorm.DB
	logger     *logrus.Logger
	migrations []Migration
}

func NewMigrator(db *gorm.DB, logger *logrus.Logger) (*Migrator, error) {
	return newMigrator(db, logger, Migrations)
}

func newMigrator(db *gorm.DB, logger *logrus.Logger, migrations []Migration) (*Migrator, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if err := ValidateMigrations(migrations); err != nil {
		return nil, err
	}
	return &Migrator{db: db, logger: logger, migrations: migrations}, nil
}

// LatestVersion returns the newest known version.
func (m *Migrator) LatestVersion() int {
	return len(m.migrations)
}

func (m *Migrator) ensureLog(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(&models.AppliedMigration{}); err != nil {
		return apperr.Migration(0, fmt.Errorf("failed to create migrations log: %w", err))
	}
	return nil
}

// Applied returns the migrations log ordered by version.
func (m *Migrator) Applied(ctx context.Context) ([]models.AppliedMigration, error) {
	if err := m.ensureLog(ctx); err != nil {
		return nil, err
	}
	var applied []models.AppliedMigration
	if err := m.db.WithContext(ctx).Order("version ASC").Find(&applied).Error; err != nil {
		return nil, fmt.Errorf("failed to read migrations log: %w", err)
	}
	return applied, nil
}

// CurrentVersion returns the highest applied version, 0 for an empty schema.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	if len(applied) == 0 {
		return 0, nil
	}
	return applied[len(applied)-1].Version, nil
}

func (m *Migrator) verifyChecksums(applied []models.AppliedMigration) error {
	for _, a := range applied {
		if a.Version < 1 || a.Version > len(m.migrations) {
			return apperr.Migration(a.Version, errors.New("applied version is unknown to this build"))
		}
		if expected := m.migrations[a.Version-1].Checksum(); a.Checksum != expected {
			return apperr.Migration(a.Version, fmt.Errorf("checksum mismatch: applied %s, expected %s", a.Checksum, expected))
		}
	}
	return nil
}

// Migrate applies pending migrations up to target. A target of 0 means the
// latest version. Reaching an already applied target is a no-op.
func (m *Migrator) Migrate(ctx context.Context, target int) error {
	if target == 0 {
		target = m.LatestVersion()
	}
	if target < 0 || target > m.LatestVersion() {
		return apperr.Migration(target, fmt.Errorf("target must be between 1 and %d", m.LatestVersion()))
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	if err := m.verifyChecksums(applied); err != nil {
		return err
	}

	current := 0
	if len(applied) > 0 {
		current = applied[len(applied)-1].Version
	}
	if target <= current {
		if target < current {
			m.logger.WithFields(logrus.Fields{
				"current": current,
				"target":  target,
			}).Info("Migration target already applied; use rollback to go back")
		}
		return nil
	}

	for _, mig := range m.migrations[current:target] {
		mig := mig
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(mig.Up).Error; err != nil {
				return err
			}
			return tx.Create(&models.AppliedMigration{
				Version:   mig.Version,
				Name:      mig.Name,
				Checksum:  mig.Checksum(),
				AppliedAt: time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return apperr.Migration(mig.Version, fmt.Errorf("failed to apply %s: %w", mig.Name, err))
		}

		m.logger.WithFields(logrus.Fields{
			"version": mig.Version,
			"name":    mig.Name,
		}).Info("Applied migration")
	}

	return nil
}

// Rollback reverts applied migrations newer than target, newest first.
// Tables created by a reverted step are archived, never dropped.
func (m *Migrator) Rollback(ctx context.Context, target int) error {
	if target < 0 {
		return apperr.Migration(target, errors.New("rollback target must not be negative"))
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	if err := m.verifyChecksums(applied); err != nil {
		return err
	}

	for i := len(applied) - 1; i >= 0; i-- {
		version := applied[i].Version
		if version <= target {
			break
		}
		mig := m.migrations[version-1]
		down := strings.ReplaceAll(mig.Down, archiveToken, fmt.Sprintf("archived_v%d_%d", version, time.Now().UnixNano()))

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(down).Error; err != nil {
				return err
			}
			return tx.Delete(&models.AppliedMigration{}, "version = ?", version).Error
		})
		if err != nil {
			return apperr.Migration(version, fmt.Errorf("failed to roll back %s: %w", mig.Name, err))
		}

		m.logger.WithFields(logrus.Fields{
			"version": version,
			"name":    mig.Name,
		}).Info("Rolled back migration")
	}

	return nil
}

// RollbackAll reverts every applied migration.
func (m *Migrator) RollbackAll(ctx context.Context) error {
	return m.Rollback(ctx, 0)
}
