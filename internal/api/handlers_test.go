package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brea/server/config"
	"brea/server/internal/adapter"
	"brea/server/internal/coordinator"
	"brea/server/internal/database"
	"brea/server/internal/history"
	"brea/server/internal/images"
	"brea/server/internal/models"
	"brea/server/internal/scraping"
)

// stubRuns records started runs and can pretend a district is busy
type stubRuns struct {
	started []coordinator.RunRequest
	busy    bool
}

func (s *stubRuns) Start(req coordinator.RunRequest) (*models.ScrapeRun, error) {
	if s.busy {
		return nil, fmt.Errorf("%w: r0", scraping.ErrRunInProgress)
	}
	s.started = append(s.started, req)
	return &models.ScrapeRun{ID: "run-1", Source: req.Source, District: req.District, Status: models.RunStatusRunning}, nil
}

func (s *stubRuns) Active() []string {
	if s.busy {
		return []string{"r0"}
	}
	return []string{}
}

func (s *stubRuns) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.busy {
		return fmt.Errorf("%w: 1 active", scraping.ErrRunsActive)
	}
	return fn(ctx)
}

type testAPI struct {
	router   *gin.Engine
	store    *database.Store
	migrator *database.Migrator
	runs     *stubRuns
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	db, err := database.NewTestDB()
	require.NoError(t, err)
	migrator, err := database.NewMigrator(db, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Migrate(context.Background(), 0))

	engine := history.NewEngine(db, history.RetentionPolicy{}, logger)
	store := database.NewStore(db, engine, 2, logger)

	cfg := &config.Config{}
	cfg.Images.HashThreshold = 8
	cfg.Images.QueueSize = 1
	imageService := images.NewService(cfg, db, nil, logger)

	registry, err := adapter.NewRegistry(adapter.NewArgenprop(adapter.DefaultArgenpropBaseURL))
	require.NoError(t, err)

	runs := &stubRuns{}
	handler := NewHandler(store, engine, imageService, runs, migrator, registry, logger)
	return &testAPI{
		router:   NewRouter(handler, nil),
		store:    store,
		migrator: migrator,
		runs:     runs,
	}
}

func (a *testAPI) seed(t *testing.T, id string, district string, typ models.PropertyType, price int64, now time.Time) uint {
	t.Helper()
	res, err := a.store.Upsert(context.Background(), models.RawListing{
		Source:       "argenprop",
		ExternalID:   id,
		District:     district,
		PropertyType: typ,
		PriceUSD:     decimal.NewNullDecimal(decimal.NewFromInt(price)),
	}, now)
	require.NoError(t, err)
	return res.Property.ID
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestGetProperties(t *testing.T) {
	a := setupAPI(t)
	now := time.Now()
	a.seed(t, "p1", "La Plata", models.TypeApartment, 90000, now)
	a.seed(t, "p2", "La Plata", models.TypeHouse, 210000, now)
	a.seed(t, "p3", "Berisso", models.TypeApartment, 60000, now)

	tests := []struct {
		name     string
		query    string
		status   int
		expected []string
	}{
		{name: "All by price", query: "", status: http.StatusOK, expected: []string{"p3", "p1", "p2"}},
		{name: "District is case insensitive", query: "?district=la%20plata", status: http.StatusOK, expected: []string{"p1", "p2"}},
		{name: "Type list", query: "?type=casa,ph", status: http.StatusOK, expected: []string{"p2"}},
		{name: "Price range descending", query: "?min_price=50000&max_price=100000&order=desc", status: http.StatusOK, expected: []string{"p1", "p3"}},
		{name: "Limit and offset", query: "?limit=1&offset=1", status: http.StatusOK, expected: []string{"p1"}},
		{name: "Unknown type", query: "?type=castle", status: http.StatusBadRequest},
		{name: "Unknown sort", query: "?sort=colour", status: http.StatusBadRequest},
		{name: "Malformed number", query: "?min_price=cheap", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodGet, "/api/properties"+tt.query, nil)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				return
			}

			var properties []models.Property
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &properties))
			ids := make([]string, len(properties))
			for i, p := range properties {
				ids[i] = p.ExternalID
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

func TestGetProperty(t *testing.T) {
	a := setupAPI(t)
	id := a.seed(t, "p1", "La Plata", models.TypeApartment, 90000, time.Now())

	w := a.do(t, http.MethodGet, fmt.Sprintf("/api/properties/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Property models.Property        `json:"property"`
		Images   []models.PropertyImage `json:"images"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "p1", body.Property.ExternalID)
	assert.Empty(t, body.Images)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/properties/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/properties/abc", nil).Code)
}

func TestGetPriceTrend(t *testing.T) {
	a := setupAPI(t)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	id := a.seed(t, "p1", "La Plata", models.TypeApartment, 100000, start)
	a.seed(t, "p1", "La Plata", models.TypeApartment, 95000, start.Add(24*time.Hour))
	a.seed(t, "p1", "La Plata", models.TypeApartment, 92000, start.Add(48*time.Hour))

	w := a.do(t, http.MethodGet, fmt.Sprintf("/api/properties/%d/trend?points=2", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var trend []models.PriceHistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trend))
	require.Len(t, trend, 2)
	assert.True(t, trend[0].RecordedAt.Before(trend[1].RecordedAt))

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, fmt.Sprintf("/api/properties/%d/trend?points=-1", id), nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/properties/404/trend", nil).Code)
}

func TestStartScrape(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		busy   bool
		status int
	}{
		{name: "Accepted", body: gin.H{"source": "argenprop", "district": "La Plata", "types": []string{"house"}}, status: http.StatusAccepted},
		{name: "Missing district", body: gin.H{"source": "argenprop"}, status: http.StatusBadRequest},
		{name: "Unknown source", body: gin.H{"source": "zonaprop", "district": "La Plata"}, status: http.StatusBadRequest},
		{name: "Already running", body: gin.H{"source": "argenprop", "district": "La Plata"}, busy: true, status: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := setupAPI(t)
			a.runs.busy = tt.busy

			w := a.do(t, http.MethodPost, "/api/scrape", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status == http.StatusAccepted {
				require.Len(t, a.runs.started, 1)
				assert.Equal(t, []models.PropertyType{models.TypeHouse}, a.runs.started[0].Types)
				assert.Contains(t, w.Body.String(), `"id":"run-1"`)
			} else {
				assert.Empty(t, a.runs.started)
			}
		})
	}
}

func TestGetRuns(t *testing.T) {
	a := setupAPI(t)
	require.NoError(t, a.store.CreateRun(context.Background(), &models.ScrapeRun{
		ID: "r1", Source: "argenprop", District: "la plata", StartedAt: time.Now().UTC(), Status: models.RunStatusCompleted,
	}))

	w := a.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Runs   []models.ScrapeRun `json:"runs"`
		Active []string           `json:"active"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "r1", body.Runs[0].ID)
	assert.Empty(t, body.Active)
}

func TestGetSources(t *testing.T) {
	a := setupAPI(t)
	w := a.do(t, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"argenprop"`)
}

func TestMigrationEndpoints(t *testing.T) {
	a := setupAPI(t)
	latest := a.migrator.LatestVersion()

	type status struct {
		Current int `json:"current"`
		Latest  int `json:"latest"`
	}
	read := func(w *httptest.ResponseRecorder) status {
		var s status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
		return s
	}

	w := a.do(t, http.MethodGet, "/api/migrations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, status{Current: latest, Latest: latest}, read(w))

	w = a.do(t, http.MethodPost, "/api/migrations/rollback", gin.H{"version": latest - 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, latest-1, read(w).Current)

	w = a.do(t, http.MethodPost, "/api/migrations/migrate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, latest, read(w).Current)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/migrations/rollback", gin.H{}).Code)
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/migrations/migrate", gin.H{"version": latest + 5}).Code)
}

func TestMigrationEndpoints_RefusedWhileRunsActive(t *testing.T) {
	a := setupAPI(t)
	latest := a.migrator.LatestVersion()
	a.runs.busy = true

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{name: "Migrate", path: "/api/migrations/migrate", body: gin.H{"version": latest}},
		{name: "Rollback", path: "/api/migrations/rollback", body: gin.H{"version": 1}},
		{name: "Rollback all", path: "/api/migrations/rollback", body: gin.H{"all": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusConflict, w.Code)
			assert.Contains(t, w.Body.String(), "scrape runs are in progress")
		})
	}

	w := a.do(t, http.MethodGet, "/api/migrations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), fmt.Sprintf(`"current":%d`, latest))
}

func TestGetIntegrity(t *testing.T) {
	a := setupAPI(t)
	a.seed(t, "p1", "La Plata", models.TypeApartment, 90000, time.Now())

	w := a.do(t, http.MethodGet, "/api/integrity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"ok":true`)
}

func TestCORSPreflight(t *testing.T) {
	a := setupAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/properties", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
