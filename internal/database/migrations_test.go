package database

import (
	"context"
	"testing"
	"time"

	"brea/server/internal/apperr"
	"brea/server/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type schemaObject struct {
	Type string `gorm:"column:type"`
	Name string `gorm:"column:name"`
	SQL  string `gorm:"column:sql"`
}

func schemaSnapshot(t *testing.T, db *gorm.DB) []schemaObject {
	t.Helper()
	var objects []schemaObject
	err := db.Raw(`
		SELECT type, name, COALESCE(sql, '') AS sql
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%'
		AND name NOT LIKE '%archived%'
		AND name <> 'schema_migrations'
		ORDER BY type, name`).Scan(&objects).Error
	require.NoError(t, err)
	return objects
}

func newMigratedDB(t *testing.T) (*gorm.DB, *Migrator) {
	t.Helper()
	db, err := NewTestDB()
	require.NoError(t, err)
	m, err := NewMigrator(db, nil)
	require.NoError(t, err)
	require.NoError(t, m.Migrate(context.Background(), 0))
	return db, m
}

func TestMigrations_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, m := newMigratedDB(t)

	first := schemaSnapshot(t, db)
	require.NotEmpty(t, first)

	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.LatestVersion(), version)

	require.NoError(t, m.RollbackAll(ctx))
	assert.Empty(t, schemaSnapshot(t, db))

	version, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	require.NoError(t, m.Migrate(ctx, 0))
	assert.Equal(t, first, schemaSnapshot(t, db))
}

func TestMigrations_PartialRollbackAndReapply(t *testing.T) {
	ctx := context.Background()
	db, m := newMigratedDB(t)
	full := schemaSnapshot(t, db)

	require.NoError(t, m.Rollback(ctx, 3))
	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.False(t, db.Migrator().HasColumn(&models.Property{}, "status"))
	assert.True(t, db.Migrator().HasTable("images"))

	require.NoError(t, m.Migrate(ctx, 0))
	assert.Equal(t, full, schemaSnapshot(t, db))
}

func TestMigrations_IdempotentMigrate(t *testing.T) {
	ctx := context.Background()
	_, m := newMigratedDB(t)

	require.NoError(t, m.Migrate(ctx, 0))
	require.NoError(t, m.Migrate(ctx, m.LatestVersion()))

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, m.LatestVersion())
	for i, a := range applied {
		assert.Equal(t, i+1, a.Version)
		assert.Equal(t, Migrations[i].Checksum(), a.Checksum)
		assert.False(t, a.AppliedAt.IsZero())
	}
}

func TestMigrations_RollbackArchivesData(t *testing.T) {
	ctx := context.Background()
	db, m := newMigratedDB(t)

	store := newTestStore(t, db, 3)
	_, err := store.Upsert(ctx, models.RawListing{
		Source:       "argenprop",
		ExternalID:   "keep-me",
		District:     "la plata",
		PropertyType: models.TypeApartment,
		PriceUSD:     decimal.NewNullDecimal(decimal.NewFromInt(120000)),
	}, time.Now())
	require.NoError(t, err)

	require.NoError(t, m.RollbackAll(ctx))

	var archived []string
	require.NoError(t, db.Raw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'properties_archived%'",
	).Scan(&archived).Error)
	require.Len(t, archived, 1)

	var count int64
	require.NoError(t, db.Table(archived[0]).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMigrations_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	db, _ := newMigratedDB(t)

	require.NoError(t, db.Model(&models.AppliedMigration{}).
		Where("version = ?", 2).
		Update("checksum", "tampered").Error)

	m, err := NewMigrator(db, nil)
	require.NoError(t, err)
	err = m.Migrate(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.KindMigration, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestMigrations_Validate(t *testing.T) {
	tests := []struct {
		name       string
		migrations []Migration
		errText    string
	}{
		{
			name:       "Shipped migrations are valid",
			migrations: Migrations,
		},
		{
			name: "Down step dropping a table",
			migrations: []Migration{
				{Version: 1, Name: "t", Up: "CREATE TABLE t (id INTEGER)", Down: "drop   table t"},
			},
			errText: "drops a table",
		},
		{
			name: "Gap in versions",
			migrations: []Migration{
				{Version: 1, Name: "a", Up: "CREATE TABLE a (id INTEGER)", Down: "ALTER TABLE a RENAME TO a_old"},
				{Version: 3, Name: "c", Up: "CREATE TABLE c (id INTEGER)", Down: "ALTER TABLE c RENAME TO c_old"},
			},
			errText: "expected version 2",
		},
		{
			name: "Missing down step",
			migrations: []Migration{
				{Version: 1, Name: "a", Up: "CREATE TABLE a (id INTEGER)"},
			},
			errText: "both up and down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMigrations(tt.migrations)
			if tt.errText == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestMigrations_TargetOutOfRange(t *testing.T) {
	ctx := context.Background()
	db, err := NewTestDB()
	require.NoError(t, err)
	m, err := NewMigrator(db, nil)
	require.NoError(t, err)

	assert.Error(t, m.Migrate(ctx, m.LatestVersion()+1))

	require.NoError(t, m.Migrate(ctx, 2))
	assert.True(t, db.Migrator().HasTable("price_history"))
	assert.False(t, db.Migrator().HasTable("images"))

	// an applied target is a no-op; going backwards needs a rollback
	require.NoError(t, m.Migrate(ctx, 1))
	version, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.True(t, db.Migrator().HasTable("price_history"))
}
