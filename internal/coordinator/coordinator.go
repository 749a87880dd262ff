package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"brea/server/config"
	"brea/server/internal/adapter"
	"brea/server/internal/apperr"
	"brea/server/internal/models"
	"brea/server/internal/processor"
	"brea/server/internal/queue"
)

// PropertyStore is what a run needs from the property store
type PropertyStore interface {
	processor.ListingStore
	MarkAbsent(ctx context.Context, source string, scope models.Scope, seenIDs []string, now time.Time) (int, error)
}

// ImageSink accepts image work for a stored property. Enqueue must not
// block; it reports false when the work was dropped.
type ImageSink interface {
	Enqueue(propertyID uint, urls []string) bool
}

// RunRequest selects what one run scrapes
type RunRequest struct {
	Source    string                `json:"source"`
	District  string                `json:"district"`
	Types     []models.PropertyType `json:"types"`
	MinPrice  *int64                `json:"min_price,omitempty"`
	MaxPrice  *int64                `json:"max_price,omitempty"`
	MinSize   *int64                `json:"min_size,omitempty"`
	MaxSize   *int64                `json:"max_size,omitempty"`
	MaxPages  int                   `json:"max_pages,omitempty"`
	StartPage int                   `json:"start_page,omitempty"`
}

// ScopeResult is the pagination outcome of one (district, type) scope
type ScopeResult struct {
	Scope        models.Scope `json:"scope"`
	PagesFetched int          `json:"pages_fetched"`
	FailedPages  int          `json:"failed_pages"`
	Complete     bool         `json:"complete"`
	Seen         int          `json:"seen"`
	Removed      int          `json:"removed"`
	Error        string       `json:"error,omitempty"`
}

// Summary reports what a run did
type Summary struct {
	Source         string         `json:"source"`
	District       string         `json:"district"`
	Created        int            `json:"created"`
	Updated        int            `json:"updated"`
	Removed        int            `json:"removed"`
	Failed         int            `json:"failed"`
	FailedPages    int            `json:"failed_pages"`
	PagesFetched   int            `json:"pages_fetched"`
	FailuresByKind map[string]int `json:"failures_by_kind"`
	ImagesQueued   int            `json:"images_queued"`
	ImagesDropped  int            `json:"images_dropped"`
	Scopes         []ScopeResult  `json:"scopes"`
	Duration       time.Duration  `json:"duration"`
}

// Coordinator runs scrapes: fetch workers paginate scopes and feed a
// bounded listing queue drained by upsert consumers.
type Coordinator struct {
	cfg       *config.Config
	registry  *adapter.Registry
	store     PropertyStore
	fetcher   *Fetcher
	processor *processor.ListingProcessor
	images    ImageSink
	logger    *logrus.Logger
	now       func() time.Time
}

// New creates a coordinator. images may be nil.
func New(cfg *config.Config, registry *adapter.Registry, store PropertyStore, fetcher *Fetcher, images ImageSink, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	locks := processor.NewIdentityLocks(cfg.Processor.LockShards)
	proc := processor.NewListingProcessor(store, locks, processor.Options{
		MaxRetries: cfg.Processor.MaxRetries,
		RetryDelay: cfg.Processor.RetryDelay,
	}, logger)

	return &Coordinator{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		fetcher:   fetcher,
		processor: proc,
		images:    images,
		logger:    logger,
		now:       time.Now,
	}
}

// Registry exposes the source registry
func (c *Coordinator) Registry() *adapter.Registry {
	return c.registry
}

// Queries validates req and expands it into one first-page query per type
func (c *Coordinator) Queries(req RunRequest) (adapter.Adapter, []adapter.Query, error) {
	if req.Source == "" {
		return nil, nil, apperr.Validation("source", "source is required")
	}
	a, err := c.registry.Get(req.Source)
	if err != nil {
		return nil, nil, apperr.Validation("source", "%v", err)
	}
	if req.District == "" {
		return nil, nil, apperr.Validation("district", "district is required")
	}

	types := req.Types
	if len(types) == 0 {
		types = a.SupportedTypes()
	}
	seen := make(map[models.PropertyType]bool, len(types))
	queries := make([]adapter.Query, 0, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		if _, err := a.TranslatePropertyType(t); err != nil {
			return nil, nil, apperr.Validation("types", "%v", err)
		}
		queries = append(queries, adapter.Query{
			District:     req.District,
			PropertyType: t,
			MinPrice:     req.MinPrice,
			MaxPrice:     req.MaxPrice,
			MinSize:      req.MinSize,
			MaxSize:      req.MaxSize,
			Page:         req.StartPage,
		})
	}
	if len(queries) == 0 {
		return nil, nil, apperr.Validation("types", "no property types to scrape")
	}
	return a, queries, nil
}

// runState accumulates one run's counters across workers
type runState struct {
	mu      sync.Mutex
	summary Summary
	seen    map[models.Scope]map[string]struct{}
	scopes  map[models.Scope]*ScopeResult
}

func (s *runState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Failed++
	s.summary.FailuresByKind[apperr.KindOf(err).String()]++
}

func (s *runState) failPage(scope models.Scope, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.FailedPages++
	s.summary.FailuresByKind[apperr.KindOf(err).String()]++
	s.scopes[scope].FailedPages++
}

func (s *runState) fetchedPage(scope models.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.PagesFetched++
	s.scopes[scope].PagesFetched++
}

func (s *runState) markSeen(scope models.Scope, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.seen[scope]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[scope] = ids
	}
	ids[externalID] = struct{}{}
}

func (s *runState) stored(created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if created {
		s.summary.Created++
	} else {
		s.summary.Updated++
	}
}

func (s *runState) image(queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queued {
		s.summary.ImagesQueued++
	} else {
		s.summary.ImagesDropped++
	}
}

// Run executes one scrape. The summary is returned even when the run is
// cancelled; in that case the error is the context error and no property
// is marked absent.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (Summary, error) {
	start := c.now()
	a, queries, err := c.Queries(req)
	if err != nil {
		return Summary{}, err
	}

	if c.cfg.Scrape.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Scrape.RunDeadline)
		defer cancel()
	}

	state := &runState{
		summary: Summary{
			Source:         a.Name(),
			District:       req.District,
			FailuresByKind: make(map[string]int),
		},
		seen:   make(map[models.Scope]map[string]struct{}),
		scopes: make(map[models.Scope]*ScopeResult, len(queries)),
	}
	for _, q := range queries {
		state.scopes[q.Scope()] = &ScopeResult{Scope: q.Scope()}
	}

	logger := c.logger.WithFields(logrus.Fields{
		"source":   a.Name(),
		"district": req.District,
		"scopes":   len(queries),
	})
	logger.Info("Starting scrape run")

	listings := queue.New[models.RawListing]("listings", c.cfg.Scrape.ListingBuffer, c.logger)

	// Upsert consumers
	var consumers sync.WaitGroup
	for i := 0; i < max(1, c.cfg.Scrape.UpsertWorkers); i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			_ = c.processor.Consume(ctx, listings, func(o processor.Outcome) {
				if o.Err != nil {
					state.fail(o.Err)
					return
				}
				state.stored(o.Result.Created)
				c.queueImages(o, state)
			})
		}()
	}

	// Fetch workers
	jobs := make(chan adapter.Query, len(queries))
	for _, q := range queries {
		jobs <- q
	}
	close(jobs)

	maxPages := c.cfg.Scrape.MaxPages
	if req.MaxPages > 0 {
		maxPages = req.MaxPages
	}
	opts := adapter.PaginateOptions{
		MaxPages:               maxPages,
		MaxConsecutiveFailures: c.cfg.Scrape.MaxConsecutiveFailures,
	}
	fetch := func(ctx context.Context, r adapter.Request) ([]byte, error) {
		return c.fetcher.Fetch(ctx, a.Name(), r)
	}

	var fetchers sync.WaitGroup
	for i := 0; i < max(1, c.cfg.Scrape.Concurrency); i++ {
		fetchers.Add(1)
		go func() {
			defer fetchers.Done()
			for q := range jobs {
				if ctx.Err() != nil {
					return
				}
				c.scrapeScope(ctx, a, q, fetch, opts, listings, state)
			}
		}()
	}

	fetchers.Wait()
	_ = listings.Close()
	consumers.Wait()

	if err := ctx.Err(); err != nil {
		state.summary.Duration = c.now().Sub(start)
		logger.WithError(err).Warn("Scrape run cancelled")
		return c.finish(state), err
	}

	c.markAbsent(ctx, a.Name(), state)

	state.summary.Duration = c.now().Sub(start)
	summary := c.finish(state)
	logger.WithFields(logrus.Fields{
		"created":       summary.Created,
		"updated":       summary.Updated,
		"removed":       summary.Removed,
		"failed":        summary.Failed,
		"failed_pages":  summary.FailedPages,
		"pages_fetched": summary.PagesFetched,
		"duration":      summary.Duration.String(),
	}).Info("Scrape run finished")
	return summary, nil
}

func (c *Coordinator) scrapeScope(ctx context.Context, a adapter.Adapter, q adapter.Query, fetch adapter.FetchFunc, opts adapter.PaginateOptions, listings *queue.Queue[models.RawListing], state *runState) {
	scope := q.Scope()
	logger := c.logger.WithFields(logrus.Fields{
		"source": a.Name(),
		"scope":  scope.String(),
	})

	res, err := adapter.Paginate(ctx, a, q, fetch, opts, func(pr adapter.PageResult) error {
		if pr.Err != nil {
			logger.WithError(pr.Err).WithField("page", pr.Query.Page).Warn("Skipping failed page")
			state.failPage(scope, pr.Err)
			return nil
		}

		state.fetchedPage(scope)
		for _, failure := range pr.Page.Failures {
			logger.WithError(failure).WithField("page", pr.Query.Page).Debug("Skipping unparseable listing")
			state.fail(failure)
		}
		for _, listing := range pr.Page.Listings {
			state.markSeen(scope, listing.ExternalID)
			if err := listings.Push(ctx, listing); err != nil {
				return err
			}
		}
		return nil
	})

	state.mu.Lock()
	result := state.scopes[scope]
	result.Complete = err == nil && res.Complete
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		result.Error = err.Error()
	}
	state.mu.Unlock()

	if err != nil {
		logger.WithError(err).Warn("Scope pagination stopped")
		return
	}
	logger.WithFields(logrus.Fields{
		"pages_fetched": res.PagesFetched,
		"failed_pages":  res.FailedPages,
		"complete":      res.Complete,
	}).Info("Scope pagination finished")
}

func (c *Coordinator) queueImages(o processor.Outcome, state *runState) {
	if c.images == nil || o.Result == nil || len(o.Result.Property.ImageURLs) == 0 {
		return
	}
	queued := c.images.Enqueue(o.Result.Property.ID, o.Result.Property.ImageURLs)
	if !queued {
		c.logger.WithFields(logrus.Fields{
			"property_id": o.Result.Property.ID,
			"images":      len(o.Result.Property.ImageURLs),
		}).Warn("Image queue full, dropping image job")
	}
	state.image(queued)
}

// markAbsent runs once per scope whose pagination saw every page
func (c *Coordinator) markAbsent(ctx context.Context, source string, state *runState) {
	now := c.now()
	for scope, result := range state.scopes {
		if !result.Complete {
			continue
		}
		ids := make([]string, 0, len(state.seen[scope]))
		for id := range state.seen[scope] {
			ids = append(ids, id)
		}
		result.Seen = len(ids)

		removed, err := c.store.MarkAbsent(ctx, source, scope, ids, now)
		if err != nil {
			c.logger.WithError(err).WithField("scope", scope.String()).Error("Failed to mark absent properties")
			result.Error = fmt.Sprintf("mark absent: %v", err)
			state.summary.FailuresByKind[apperr.KindOf(err).String()]++
			continue
		}
		result.Removed = removed
		state.summary.Removed += removed
	}
}

func (c *Coordinator) finish(state *runState) Summary {
	state.mu.Lock()
	defer state.mu.Unlock()

	summary := state.summary
	summary.Scopes = make([]ScopeResult, 0, len(state.scopes))
	for scope, result := range state.scopes {
		r := *result
		if r.Seen == 0 {
			r.Seen = len(state.seen[scope])
		}
		summary.Scopes = append(summary.Scopes, r)
	}
	sort.Slice(summary.Scopes, func(i, j int) bool {
		return summary.Scopes[i].Scope.String() < summary.Scopes[j].Scope.String()
	})
	return summary
}
