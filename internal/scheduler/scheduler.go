package scheduler

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"brea/server/config"
	"brea/server/internal/coordinator"
	"brea/server/internal/database"
	"brea/server/internal/models"
)

// JobType represents the different scheduled jobs
type JobType int

const (
	JobTypeScrape JobType = iota
	JobTypeHistorySweep
)

// String returns the string representation of a JobType
func (j JobType) String() string {
	switch j {
	case JobTypeScrape:
		return "scrape"
	case JobTypeHistorySweep:
		return "history_sweep"
	default:
		return "unknown"
	}
}

// ScrapeRunner runs one scrape to completion
type ScrapeRunner interface {
	Run(ctx context.Context, req coordinator.RunRequest) (*models.ScrapeRun, coordinator.Summary, error)
}

// ScopeLister lists the scopes already present in the store
type ScopeLister interface {
	DistinctScopes(ctx context.Context) ([]database.ScopeKey, error)
}

// HistorySweeper prunes price history outside the retention policy
type HistorySweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler re-scrapes the configured scopes and sweeps price history on
// fixed intervals
type Scheduler struct {
	runner        ScrapeRunner
	scopes        ScopeLister
	sweeper       HistorySweeper
	logger        *logrus.Logger
	interval      time.Duration
	sweepInterval time.Duration
	tickEvery     time.Duration

	stopChan     chan struct{}
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	jobMutex     sync.Mutex // Ensures sequential job execution
	isStartupRun atomic.Bool

	lastScrape time.Time
	lastSweep  time.Time
	now        func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *config.Config, runner ScrapeRunner, scopes ScopeLister, sweeper HistorySweeper, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:        runner,
		scopes:        scopes,
		sweeper:       sweeper,
		logger:        logger,
		interval:      cfg.Schedule.Interval,
		sweepInterval: cfg.History.SweepInterval,
		tickEvery:     time.Minute,
		stopChan:      make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
	s.isStartupRun.Store(true)
	return s
}

// Start begins the scheduled tasks
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.runStartup()
	go s.runScheduler()
}

func (s *Scheduler) runStartup() {
	defer s.wg.Done()
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	s.logger.Info("Running startup jobs")
	now := s.now()
	s.runScrapes()
	s.runSweep(now)
	s.lastScrape, s.lastSweep = now, now
	s.isStartupRun.Store(false)
	s.logger.Info("Startup jobs completed")
}

// runScheduler handles all scheduled tasks
func (s *Scheduler) runScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case t := <-ticker.C:
			s.executeScheduledJobs(t)
		}
	}
}

// executeScheduledJobs runs all jobs that are due at t
func (s *Scheduler) executeScheduledJobs(t time.Time) {
	if s.isStartupRun.Load() {
		s.logger.Debug("Skipping scheduled jobs while startup is in progress")
		return
	}

	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	if s.interval > 0 && t.Sub(s.lastScrape) >= s.interval {
		s.lastScrape = t
		s.runScrapes()
	}
	if s.sweepInterval > 0 && t.Sub(s.lastSweep) >= s.sweepInterval {
		s.lastSweep = t
		s.runSweep(t)
	}
}

// Requests builds the run requests for this pass. Configured scopes win;
// without any, every source and district already in the store is re-scraped
// for the types it holds.
func (s *Scheduler) Requests(ctx context.Context) ([]coordinator.RunRequest, error) {
	if configured := config.GetScopes(); len(configured) > 0 {
		reqs := make([]coordinator.RunRequest, 0, len(configured))
		for _, scope := range configured {
			types, err := scope.PropertyTypes()
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, coordinator.RunRequest{
				Source:   scope.Source,
				District: scope.District,
				Types:    types,
				MinPrice: scope.MinPrice,
				MaxPrice: scope.MaxPrice,
				MinSize:  scope.MinSize,
				MaxSize:  scope.MaxSize,
				MaxPages: scope.MaxPages,
			})
		}
		return reqs, nil
	}

	if s.scopes == nil {
		return nil, nil
	}
	keys, err := s.scopes.DistinctScopes(ctx)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string]*coordinator.RunRequest)
	var order []string
	for _, k := range keys {
		id := k.Source + "|" + strings.ToLower(k.District)
		req, ok := grouped[id]
		if !ok {
			req = &coordinator.RunRequest{Source: k.Source, District: k.District}
			grouped[id] = req
			order = append(order, id)
		}
		req.Types = append(req.Types, k.PropertyType)
	}
	sort.Strings(order)

	reqs := make([]coordinator.RunRequest, 0, len(order))
	for _, id := range order {
		reqs = append(reqs, *grouped[id])
	}
	return reqs, nil
}

// runScrapes runs every scope sequentially
func (s *Scheduler) runScrapes() {
	reqs, err := s.Requests(s.ctx)
	if err != nil {
		s.logger.WithError(err).WithField("job_type", JobTypeScrape.String()).Error("Failed to build scrape scopes")
		return
	}
	s.logger.WithField("scopes", len(reqs)).Info("Starting scrape pass")

	for _, req := range reqs {
		if s.ctx.Err() != nil {
			return
		}
		fields := logrus.Fields{
			"source":   req.Source,
			"district": req.District,
			"job_type": JobTypeScrape.String(),
		}
		s.logger.WithFields(fields).Info("Starting scrape job")

		run, summary, err := s.runner.Run(s.ctx, req)
		if err != nil {
			s.logger.WithError(err).WithFields(fields).Error("Scrape job failed")
			continue
		}
		s.logger.WithFields(fields).WithFields(logrus.Fields{
			"run_id":  run.ID,
			"created": summary.Created,
			"updated": summary.Updated,
			"removed": summary.Removed,
		}).Info("Scrape job completed successfully")
	}
}

func (s *Scheduler) runSweep(now time.Time) {
	if s.sweeper == nil {
		return
	}
	pruned, err := s.sweeper.Sweep(s.ctx, now)
	if err != nil {
		s.logger.WithError(err).WithField("job_type", JobTypeHistorySweep.String()).Error("History sweep failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"job_type": JobTypeHistorySweep.String(),
		"pruned":   pruned,
	}).Info("History sweep completed")
}

// Stop cancels running jobs and waits for the scheduler to exit
func (s *Scheduler) Stop() {
	s.cancel()
	close(s.stopChan)
	s.wg.Wait()
}
