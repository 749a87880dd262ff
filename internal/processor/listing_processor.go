package processor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"brea/server/internal/apperr"
	"brea/server/internal/database"
	"brea/server/internal/models"
	"brea/server/internal/queue"
)

// ListingStore is the write side of the property store used by the processor
type ListingStore interface {
	Upsert(ctx context.Context, raw models.RawListing, now time.Time) (*database.UpsertResult, error)
}

// IdentityLocks serialises work on the same listing identity. Identities
// are hashed onto a fixed set of mutexes, so unrelated identities may share
// a shard but the same identity always maps to the same one.
type IdentityLocks struct {
	shards []sync.Mutex
}

func NewIdentityLocks(shards int) *IdentityLocks {
	if shards < 1 {
		shards = 1
	}
	return &IdentityLocks{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the shard for id and returns its unlock func
func (l *IdentityLocks) Lock(id models.Identity) func() {
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	m := &l.shards[h.Sum32()%uint32(len(l.shards))]
	m.Lock()
	return m.Unlock
}

type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Outcome is reported for every listing taken off the queue
type Outcome struct {
	Listing models.RawListing
	Result  *database.UpsertResult
	Err     error
}

// ListingProcessor upserts parsed listings, one identity at a time
type ListingProcessor struct {
	store  ListingStore
	locks  *IdentityLocks
	opts   Options
	logger *logrus.Logger
	now    func() time.Time
}

// NewListingProcessor creates a new listing processor instance
func NewListingProcessor(store ListingStore, locks *IdentityLocks, opts Options, logger *logrus.Logger) *ListingProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if locks == nil {
		locks = NewIdentityLocks(64)
	}
	return &ListingProcessor{
		store:  store,
		locks:  locks,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Process upserts one listing with the identity lock held, retrying
// transient database errors.
func (p *ListingProcessor) Process(ctx context.Context, raw models.RawListing) (*database.UpsertResult, error) {
	id := raw.Identity()
	unlock := p.locks.Lock(id)
	defer unlock()

	var err error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.WithFields(logrus.Fields{
				"identity": id.String(),
				"attempt":  attempt,
				"max":      p.opts.MaxRetries,
			}).Info("Retrying listing upsert")
			if sleepErr := sleep(ctx, p.opts.RetryDelay*time.Duration(attempt)); sleepErr != nil {
				return nil, sleepErr
			}
		}

		var res *database.UpsertResult
		res, err = p.store.Upsert(ctx, raw, p.now())
		if err == nil {
			return res, nil
		}
		if !apperr.IsRetryable(err) {
			return nil, err
		}

		p.logger.WithError(err).WithField("identity", id.String()).Warn("Listing upsert failed")
	}

	return nil, fmt.Errorf("failed to upsert listing %s after %d attempts: %w", id, p.opts.MaxRetries+1, err)
}

// Consume processes listings from q until it is closed and drained or ctx
// is done. Every listing taken off the queue is reported to report.
func (p *ListingProcessor) Consume(ctx context.Context, q *queue.Queue[models.RawListing], report func(Outcome)) error {
	for {
		raw, err := q.Pop(ctx)
		if errors.Is(err, queue.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := p.Process(ctx, raw)
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"identity": raw.Identity().String(),
				"kind":     apperr.KindOf(err).String(),
			}).Error("Failed to store listing")
		}
		if report != nil {
			report(Outcome{Listing: raw, Result: res, Err: err})
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
