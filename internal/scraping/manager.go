package scraping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"brea/server/internal/coordinator"
	"brea/server/internal/models"
)

var (
	ErrRunInProgress = errors.New("a run for this source and district is already in progress")
	ErrShuttingDown  = errors.New("run manager is shutting down")
	ErrRunsActive    = errors.New("scrape runs are in progress")
	ErrMigrating     = errors.New("schema change in progress")
)

// Runner executes one scrape
type Runner interface {
	Run(ctx context.Context, req coordinator.RunRequest) (coordinator.Summary, error)
}

// RunStore persists run records
type RunStore interface {
	CreateRun(ctx context.Context, run *models.ScrapeRun) error
	FinishRun(ctx context.Context, run *models.ScrapeRun) error
}

// Notifier is told about every finished run
type Notifier interface {
	NotifyRun(ctx context.Context, run models.ScrapeRun, summary coordinator.Summary) error
}

// RunManager starts scrape runs, keeps at most one run per source and
// district, and records every run.
type RunManager struct {
	runner   Runner
	runs     RunStore
	notifier Notifier
	logger   *logrus.Logger

	mu     sync.Mutex
	active map[string]string
	// exclusive is set while a schema change holds the store
	exclusive bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewRunManager creates a new run manager
func NewRunManager(runner Runner, runs RunStore, logger *logrus.Logger) *RunManager {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RunManager{
		runner: runner,
		runs:   runs,
		logger: logger,
		active: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// SetNotifier sets where finished runs are reported
func (m *RunManager) SetNotifier(n Notifier) {
	m.notifier = n
}

func runKey(req coordinator.RunRequest) string {
	return req.Source + "|" + strings.ToLower(strings.TrimSpace(req.District))
}

// begin reserves the run key, registers the run with the wait group and
// records it as running. The caller owns one wg.Done on success.
func (m *RunManager) begin(ctx context.Context, req coordinator.RunRequest) (*models.ScrapeRun, error) {
	key := runKey(req)

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.exclusive {
		m.mu.Unlock()
		return nil, ErrMigrating
	}
	if id, busy := m.active[key]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, id)
	}
	run := &models.ScrapeRun{
		ID:            uuid.NewString(),
		Source:        req.Source,
		District:      req.District,
		PropertyTypes: joinTypes(req.Types),
		StartedAt:     m.now().UTC(),
		Status:        models.RunStatusRunning,
	}
	m.active[key] = run.ID
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.runs.CreateRun(ctx, run); err != nil {
		m.release(key)
		m.wg.Done()
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

func (m *RunManager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, key)
}

// execute runs the scrape and records its outcome
func (m *RunManager) execute(ctx context.Context, run *models.ScrapeRun, req coordinator.RunRequest) (coordinator.Summary, error) {
	defer m.release(runKey(req))

	logger := m.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"source":   req.Source,
		"district": req.District,
	})
	logger.Info("Starting run")

	summary, err := m.runner.Run(ctx, req)

	finished := m.now().UTC()
	run.FinishedAt = &finished
	run.Created = summary.Created
	run.Updated = summary.Updated
	run.Removed = summary.Removed
	run.Failed = summary.Failed
	run.FailedPages = summary.FailedPages
	run.PagesFetched = summary.PagesFetched
	switch {
	case err == nil:
		run.Status = models.RunStatusCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Status = models.RunStatusCancelled
		run.Error = err.Error()
	default:
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
	}

	// The run context may be gone; the record is still written.
	if ferr := m.runs.FinishRun(context.Background(), run); ferr != nil {
		logger.WithError(ferr).Error("Failed to record run result")
	}

	if m.notifier != nil {
		if nerr := m.notifier.NotifyRun(context.Background(), *run, summary); nerr != nil {
			logger.WithError(nerr).Warn("Failed to send run notification")
		}
	}

	if err != nil {
		logger.WithError(err).WithField("status", run.Status).Error("Run did not complete")
	} else {
		logger.WithFields(logrus.Fields{
			"created": summary.Created,
			"updated": summary.Updated,
			"removed": summary.Removed,
			"failed":  summary.Failed,
		}).Info("Run completed")
	}
	return summary, err
}

// Run executes a scrape and waits for it
func (m *RunManager) Run(ctx context.Context, req coordinator.RunRequest) (*models.ScrapeRun, coordinator.Summary, error) {
	run, err := m.begin(ctx, req)
	if err != nil {
		return nil, coordinator.Summary{}, err
	}
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	summary, err := m.execute(ctx, run, req)
	return run, summary, err
}

// Start launches a scrape in the background and returns its record
func (m *RunManager) Start(req coordinator.RunRequest) (*models.ScrapeRun, error) {
	run, err := m.begin(m.ctx, req)
	if err != nil {
		return nil, err
	}

	snapshot := *run
	go func() {
		defer m.wg.Done()
		_, _ = m.execute(m.ctx, run, req)
	}()
	return &snapshot, nil
}

// Active returns the ids of the runs in progress
func (m *RunManager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.active))
	for _, id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Exclusive runs fn while no scrape is in progress. It fails with
// ErrRunsActive when runs are active, and new runs are refused with
// ErrMigrating until fn returns.
func (m *RunManager) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.exclusive {
		m.mu.Unlock()
		return ErrMigrating
	}
	if n := len(m.active); n > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d active", ErrRunsActive, n)
	}
	m.exclusive = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.exclusive = false
		m.mu.Unlock()
	}()
	return fn(ctx)
}

// Shutdown cancels running scrapes and waits for them to record their result
func (m *RunManager) Shutdown() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

func joinTypes(types []models.PropertyType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
