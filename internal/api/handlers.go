package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"brea/server/internal/adapter"
	"brea/server/internal/apperr"
	"brea/server/internal/coordinator"
	"brea/server/internal/database"
	"brea/server/internal/models"
	"brea/server/internal/scraping"
)

// Properties is the read side of the property store
type Properties interface {
	Query(ctx context.Context, q database.PropertyQuery) ([]models.Property, error)
	GetProperty(ctx context.Context, id uint) (*models.Property, error)
	ListRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error)
	CheckIntegrity(ctx context.Context) (*database.IntegrityReport, error)
}

type Trends interface {
	Trend(ctx context.Context, propertyID uint, points int) ([]models.PriceHistoryEntry, error)
}

type ImageLinks interface {
	Links(ctx context.Context, propertyID uint) ([]models.PropertyImage, error)
}

// Runs starts background scrapes and keeps them away from schema changes
type Runs interface {
	Start(req coordinator.RunRequest) (*models.ScrapeRun, error)
	Active() []string
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
}

type Migrations interface {
	Applied(ctx context.Context) ([]models.AppliedMigration, error)
	LatestVersion() int
	Migrate(ctx context.Context, target int) error
	Rollback(ctx context.Context, target int) error
	RollbackAll(ctx context.Context) error
}

type Handler struct {
	properties Properties
	trends     Trends
	images     ImageLinks
	runs       Runs
	migrations Migrations
	registry   *adapter.Registry
	logger     *logrus.Logger
}

func NewHandler(properties Properties, trends Trends, images ImageLinks, runs Runs, migrations Migrations, registry *adapter.Registry, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Handler{
		properties: properties,
		trends:     trends,
		images:     images,
		runs:       runs,
		migrations: migrations,
		registry:   registry,
		logger:     logger,
	}
}

// PropertyFilter is the query string of GET /api/properties
type PropertyFilter struct {
	District     string   `form:"district"`
	Types        []string `form:"type"`
	Statuses     []string `form:"status"`
	Source       string   `form:"source"`
	MinPrice     *float64 `form:"min_price"`
	MaxPrice     *float64 `form:"max_price"`
	MinSize      *float64 `form:"min_size"`
	MaxSize      *float64 `form:"max_size"`
	MinRooms     *float64 `form:"min_rooms"`
	MaxRooms     *float64 `form:"max_rooms"`
	MinAntiquity *float64 `form:"min_antiquity"`
	MaxAntiquity *float64 `form:"max_antiquity"`
	Sort         string   `form:"sort"`
	Order        string   `form:"order"`
	Limit        int      `form:"limit"`
	Offset       int      `form:"offset"`
}

// splitValues accepts both repeated parameters and comma lists
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Query translates the filter into a store query
func (f PropertyFilter) Query() (database.PropertyQuery, error) {
	q := database.PropertyQuery{
		Sort:      database.SortKey(strings.ToLower(f.Sort)),
		Direction: database.Direction(strings.ToLower(f.Order)),
		Limit:     f.Limit,
		Offset:    f.Offset,
	}

	if f.District != "" {
		q = q.Where(database.Eq(database.FieldDistrict, f.District))
	}
	if f.Source != "" {
		q = q.Where(database.Eq(database.FieldSource, f.Source))
	}
	if types := splitValues(f.Types); len(types) > 0 {
		values := make([]interface{}, 0, len(types))
		for _, name := range types {
			t, err := models.ParsePropertyType(name)
			if err != nil {
				return q, apperr.Validation("type", "%v", err)
			}
			values = append(values, string(t))
		}
		q = q.Where(database.In(database.FieldType, values...))
	}
	if statuses := splitValues(f.Statuses); len(statuses) > 0 {
		values := make([]interface{}, 0, len(statuses))
		for _, name := range statuses {
			s, err := models.ParseStatus(name)
			if err != nil {
				return q, apperr.Validation("status", "%v", err)
			}
			values = append(values, string(s))
		}
		q = q.Where(database.In(database.FieldStatus, values...))
	}

	ranges := []struct {
		field    database.Field
		min, max *float64
	}{
		{database.FieldPrice, f.MinPrice, f.MaxPrice},
		{database.FieldSize, f.MinSize, f.MaxSize},
		{database.FieldRooms, f.MinRooms, f.MaxRooms},
		{database.FieldAntiquity, f.MinAntiquity, f.MaxAntiquity},
	}
	for _, r := range ranges {
		if r.min != nil || r.max != nil {
			q = q.Where(database.Between(r.field, r.min, r.max))
		}
	}
	return q, nil
}

// respondError maps classified errors onto status codes
func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, scraping.ErrRunInProgress),
		errors.Is(err, scraping.ErrRunsActive),
		errors.Is(err, scraping.ErrMigrating):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scraping.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, adapter.ErrUnknownSource), apperr.KindOf(err) == apperr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.KindOf(err) == apperr.KindMigration:
		h.logger.WithError(err).Error(msg)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func propertyID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid property id"})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) GetProperties(c *gin.Context) {
	var filter PropertyFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := filter.Query()
	if err != nil {
		h.respondError(c, err, "Failed to build property query")
		return
	}

	properties, err := h.properties.Query(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err, "Failed to get properties")
		return
	}

	c.JSON(http.StatusOK, properties)
}

func (h *Handler) GetProperty(c *gin.Context) {
	id, ok := propertyID(c)
	if !ok {
		return
	}

	property, err := h.properties.GetProperty(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to get property")
		return
	}

	images, err := h.images.Links(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to get property images")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"property": property,
		"images":   images,
	})
}

func (h *Handler) GetPriceTrend(c *gin.Context) {
	id, ok := propertyID(c)
	if !ok {
		return
	}

	points := 0
	if raw := c.Query("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "points must be a non-negative integer"})
			return
		}
		points = n
	}

	if _, err := h.properties.GetProperty(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "Failed to get property")
		return
	}

	trend, err := h.trends.Trend(c.Request.Context(), id, points)
	if err != nil {
		h.respondError(c, err, "Failed to get price trend")
		return
	}

	c.JSON(http.StatusOK, trend)
}

func (h *Handler) StartScrape(c *gin.Context) {
	var req coordinator.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.District == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "district is required"})
		return
	}
	if _, err := h.registry.Get(req.Source); err != nil {
		h.respondError(c, err, "Unknown source")
		return
	}

	run, err := h.runs.Start(req)
	if err != nil {
		h.respondError(c, err, "Failed to start scrape")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"source":   req.Source,
		"district": req.District,
	}).Info("Scrape started from API")

	c.JSON(http.StatusAccepted, run)
}

func (h *Handler) GetRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	runs, err := h.properties.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err, "Failed to get runs")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":   runs,
		"active": h.runs.Active(),
	})
}

func (h *Handler) GetSources(c *gin.Context) {
	sources := make([]gin.H, 0)
	for _, name := range h.registry.Names() {
		a, _ := h.registry.Get(name)
		sources = append(sources, gin.H{
			"name":  name,
			"types": a.SupportedTypes(),
		})
	}
	c.JSON(http.StatusOK, sources)
}

func (h *Handler) GetMigrations(c *gin.Context) {
	applied, err := h.migrations.Applied(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get migrations")
		return
	}

	current := 0
	if len(applied) > 0 {
		current = applied[len(applied)-1].Version
	}

	c.JSON(http.StatusOK, gin.H{
		"applied": applied,
		"current": current,
		"latest":  h.migrations.LatestVersion(),
	})
}

type MigrationRequest struct {
	Version int  `json:"version"`
	All     bool `json:"all"`
}

func (h *Handler) Migrate(c *gin.Context) {
	var req MigrationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	err := h.runs.Exclusive(c.Request.Context(), func(ctx context.Context) error {
		return h.migrations.Migrate(ctx, req.Version)
	})
	if err != nil {
		h.respondError(c, err, "Failed to migrate")
		return
	}
	h.GetMigrations(c)
}

func (h *Handler) Rollback(c *gin.Context) {
	var req MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.All && req.Version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "give a positive version or all"})
		return
	}

	err := h.runs.Exclusive(c.Request.Context(), func(ctx context.Context) error {
		if req.All {
			return h.migrations.RollbackAll(ctx)
		}
		return h.migrations.Rollback(ctx, req.Version)
	})
	if err != nil {
		h.respondError(c, err, "Failed to roll back")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"version": req.Version,
		"all":     req.All,
	}).Warn("Schema rolled back from API")
	h.GetMigrations(c)
}

func (h *Handler) GetIntegrity(c *gin.Context) {
	report, err := h.properties.CheckIntegrity(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to check integrity")
		return
	}

	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"ok":     report.OK(),
		"report": report,
	})
}
