package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"brea/server/internal/apperr"
	"brea/server/internal/history"
	"brea/server/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, db *gorm.DB, absenceThreshold int) *Store {
	t.Helper()
	engine := history.NewEngine(db, history.RetentionPolicy{}, nil)
	return NewStore(db, engine, absenceThreshold, nil)
}

func setupStore(t *testing.T, absenceThreshold int) *Store {
	t.Helper()
	db, _ := newMigratedDB(t)
	return newTestStore(t, db, absenceThreshold)
}

func price(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func listing(id string, p int64) models.RawListing {
	return models.RawListing{
		Source:       "argenprop",
		ExternalID:   id,
		URL:          "https://www.argenprop.com/departamento-en-venta--" + id,
		District:     "la plata",
		PropertyType: models.TypeApartment,
		Title:        "Departamento " + id,
		PriceUSD:     price(p),
		SizeM2:       floatPtr(60),
		Rooms:        intPtr(3),
		ImageURLs:    []string{"https://img.example/" + id + ".jpg"},
	}
}

func historyFor(t *testing.T, s *Store, propertyID uint) []models.PriceHistoryEntry {
	t.Helper()
	var entries []models.PriceHistoryEntry
	require.NoError(t, s.DB().Where("property_id = ?", propertyID).Order("recorded_at, id").Find(&entries).Error)
	return entries
}

func TestUpsert_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first, err := s.Upsert(ctx, listing("A1", 150000), t0)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.PriceChanged)
	assert.Equal(t, models.StatusActive, first.Property.Status)

	t1 := t0.Add(time.Hour)
	second, err := s.Upsert(ctx, listing("A1", 150000), t1)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.False(t, second.PriceChanged)
	assert.Equal(t, first.Property.ID, second.Property.ID)

	var count int64
	require.NoError(t, s.DB().Model(&models.Property{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	stored, err := s.GetProperty(ctx, first.Property.ID)
	require.NoError(t, err)
	assert.True(t, stored.FirstSeenAt.Equal(t0))
	assert.True(t, stored.LastSeenAt.Equal(t1))
	assert.Equal(t, []string{"https://img.example/A1.jpg"}, []string(stored.ImageURLs))

	entries := historyFor(t, s, first.Property.ID)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PriceUSD.Equal(decimal.NewFromInt(150000)))
}

func TestUpsert_PriceChange(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first, err := s.Upsert(ctx, listing("B7", 100000), t0)
	require.NoError(t, err)

	second, err := s.Upsert(ctx, listing("B7", 95000), t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, second.PriceChanged)
	assert.True(t, second.Property.PriceUSD.Decimal.Equal(decimal.NewFromInt(95000)))

	entries := historyFor(t, s, first.Property.ID)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].PriceUSD.Equal(decimal.NewFromInt(100000)))
	assert.True(t, entries[0].RecordedAt.Equal(t0))
	assert.True(t, entries[1].PriceUSD.Equal(decimal.NewFromInt(95000)))
}

func TestUpsert_AbsentPriceThenPresent(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)
	now := time.Now()

	raw := listing("C3", 0)
	raw.PriceUSD = decimal.NullDecimal{}
	res, err := s.Upsert(ctx, raw, now)
	require.NoError(t, err)
	assert.False(t, res.PriceChanged)
	assert.Empty(t, historyFor(t, s, res.Property.ID))

	res, err = s.Upsert(ctx, listing("C3", 80000), now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.PriceChanged)
	assert.Len(t, historyFor(t, s, res.Property.ID), 1)

	// a listing that stops showing its price keeps the stored one
	res, err = s.Upsert(ctx, raw, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.PriceChanged)
	assert.True(t, res.Property.PriceUSD.Valid)
	assert.Equal(t, 3, *res.Property.Rooms)
}

func TestUpsert_Validation(t *testing.T) {
	s := setupStore(t, 3)

	raw := listing("V1", 1000)
	raw.Rooms = intPtr(-1)
	_, err := s.Upsert(context.Background(), raw, time.Now())
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	var count int64
	require.NoError(t, s.DB().Model(&models.Property{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestMarkAbsent_RemovesOnNthMiss(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)
	scope := models.Scope{District: "la plata", PropertyType: models.TypeApartment}
	now := time.Now()

	_, err := s.Upsert(ctx, listing("keep", 100000), now)
	require.NoError(t, err)
	gone, err := s.Upsert(ctx, listing("gone", 120000), now)
	require.NoError(t, err)

	for pass := 1; pass <= 3; pass++ {
		removed, err := s.MarkAbsent(ctx, "argenprop", scope, []string{"keep"}, now)
		require.NoError(t, err)

		p, err := s.GetProperty(ctx, gone.Property.ID)
		require.NoError(t, err)
		if pass < 3 {
			assert.Equal(t, 0, removed, "pass %d", pass)
			assert.Equal(t, models.StatusActive, p.Status)
			assert.Equal(t, pass, p.AbsenceCount)
		} else {
			assert.Equal(t, 1, removed)
			assert.Equal(t, models.StatusRemoved, p.Status)
			assert.Equal(t, 0, p.AbsenceCount)
		}
	}

	// removal happens once
	removed, err := s.MarkAbsent(ctx, "argenprop", scope, []string{"keep"}, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMarkAbsent_SeenResetsCounter(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 2)
	scope := models.Scope{District: "la plata", PropertyType: models.TypeApartment}
	now := time.Now()

	res, err := s.Upsert(ctx, listing("flaky", 100000), now)
	require.NoError(t, err)

	_, err = s.MarkAbsent(ctx, "argenprop", scope, nil, now)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, listing("flaky", 100000), now.Add(time.Hour))
	require.NoError(t, err)
	removed, err := s.MarkAbsent(ctx, "argenprop", scope, nil, now)
	require.NoError(t, err)
	assert.Zero(t, removed)

	p, err := s.GetProperty(ctx, res.Property.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Equal(t, 1, p.AbsenceCount)
}

func TestMarkAbsent_OutOfScopeUntouched(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 1)
	now := time.Now()

	other := listing("house-1", 300000)
	other.PropertyType = models.TypeHouse
	res, err := s.Upsert(ctx, other, now)
	require.NoError(t, err)

	_, err = s.MarkAbsent(ctx, "argenprop", models.Scope{District: "la plata", PropertyType: models.TypeApartment}, nil, now)
	require.NoError(t, err)

	p, err := s.GetProperty(ctx, res.Property.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Zero(t, p.AbsenceCount)
}

func TestMarkAbsent_Bounds(t *testing.T) {
	tests := []struct {
		name     string
		scope    models.Scope
		expected map[string]int
	}{
		{
			name:     "Unbounded scope ages every unseen listing",
			scope:    models.Scope{District: "la plata", PropertyType: models.TypeApartment},
			expected: map[string]int{"cheap": 1, "mid": 1, "dear": 1, "big": 1, "unpriced": 1},
		},
		{
			name:     "Price band only ages listings inside it",
			scope:    models.Scope{District: "la plata", PropertyType: models.TypeApartment, MinPrice: 100000, MaxPrice: 200000},
			expected: map[string]int{"cheap": 0, "mid": 1, "dear": 0, "big": 1, "unpriced": 0},
		},
		{
			name:     "Size band only ages listings inside it",
			scope:    models.Scope{District: "la plata", PropertyType: models.TypeApartment, MinSize: 100},
			expected: map[string]int{"cheap": 0, "mid": 0, "dear": 0, "big": 1, "unpriced": 0},
		},
		{
			name:     "District matches regardless of case",
			scope:    models.Scope{District: "La Plata", PropertyType: models.TypeApartment, MaxPrice: 90000},
			expected: map[string]int{"cheap": 1, "mid": 0, "dear": 0, "big": 0, "unpriced": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := setupStore(t, 3)
			now := time.Now()

			big := listing("big", 150000)
			big.SizeM2 = floatPtr(140)
			unpriced := listing("unpriced", 0)
			unpriced.PriceUSD = decimal.NullDecimal{}
			ids := make(map[string]uint)
			for _, raw := range []models.RawListing{listing("cheap", 80000), listing("mid", 150000), listing("dear", 350000), big, unpriced} {
				res, err := s.Upsert(ctx, raw, now)
				require.NoError(t, err)
				ids[raw.ExternalID] = res.Property.ID
			}

			_, err := s.MarkAbsent(ctx, "argenprop", tt.scope, nil, now)
			require.NoError(t, err)

			for id, count := range tt.expected {
				p, err := s.GetProperty(ctx, ids[id])
				require.NoError(t, err)
				assert.Equal(t, count, p.AbsenceCount, id)
			}
		})
	}
}

func TestUpsert_RemovedIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 1)
	now := time.Now()

	res, err := s.Upsert(ctx, listing("R1", 100000), now)
	require.NoError(t, err)
	_, err = s.MarkAbsent(ctx, "argenprop", models.Scope{District: "la plata", PropertyType: models.TypeApartment}, nil, now)
	require.NoError(t, err)

	again, err := s.Upsert(ctx, listing("R1", 100000), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, res.Property.ID, again.Property.ID)
	assert.Equal(t, models.StatusRemoved, again.Property.Status)
	assert.True(t, again.Property.LastSeenAt.After(res.Property.LastSeenAt))
}

func TestUpsert_SoldAndRelisted(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)
	now := time.Now()

	_, err := s.Upsert(ctx, listing("S1", 100000), now)
	require.NoError(t, err)

	sold := listing("S1", 100000)
	sold.Status = models.StatusSold
	res, err := s.Upsert(ctx, sold, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, res.Property.Status)

	res, err = s.Upsert(ctx, listing("S1", 100000), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.Property.Status)
}

func TestUpsert_ConcurrentSameIdentity(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)
	now := time.Now()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			_, err := s.Upsert(ctx, listing("same", int64(100000+i)), now.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var count int64
	require.NoError(t, s.DB().Model(&models.Property{}).Where("external_id = ?", "same").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDistinctScopes(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)
	now := time.Now()

	for i, district := range []string{"la plata", "palermo", "la plata"} {
		raw := listing(fmt.Sprintf("D%d", i), 100000)
		raw.District = district
		_, err := s.Upsert(ctx, raw, now)
		require.NoError(t, err)
	}

	scopes, err := s.DistinctScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ScopeKey{
		{Source: "argenprop", District: "la plata", PropertyType: models.TypeApartment},
		{Source: "argenprop", District: "palermo", PropertyType: models.TypeApartment},
	}, scopes)
}

func TestCheckIntegrity(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)
	_, err := s.Upsert(ctx, listing("I1", 100000), time.Now())
	require.NoError(t, err)

	report, err := s.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, 3)

	run := &models.ScrapeRun{
		ID:        "run-1",
		Source:    "argenprop",
		District:  "la plata",
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusRunning,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Status = models.RunStatusCompleted
	run.Created = 12
	require.NoError(t, s.FinishRun(ctx, run))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 12, runs[0].Created)
}
