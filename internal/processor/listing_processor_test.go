package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"brea/server/internal/apperr"
	"brea/server/internal/database"
	"brea/server/internal/models"
	"brea/server/internal/queue"
)

// MockStore is a mock implementation of ListingStore
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Upsert(ctx context.Context, raw models.RawListing, now time.Time) (*database.UpsertResult, error) {
	args := m.Called(raw.ExternalID)
	res, _ := args.Get(0).(*database.UpsertResult)
	return res, args.Error(1)
}

func testListing(id string) models.RawListing {
	return models.RawListing{
		Source:       "argenprop",
		ExternalID:   id,
		District:     "la plata",
		PropertyType: models.TypeHouse,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestNewListingProcessor(t *testing.T) {
	store := &MockStore{}
	logger := logrus.New()

	p := NewListingProcessor(store, nil, Options{MaxRetries: 3}, logger)

	assert.NotNil(t, p)
	assert.Equal(t, store, p.store)
	assert.NotNil(t, p.locks)
	assert.Equal(t, 3, p.opts.MaxRetries)
	assert.Equal(t, logger, p.logger)
}

func TestListingProcessor_Process(t *testing.T) {
	transient := apperr.Database("upsert", errors.New("database is locked"), true)
	permanent := apperr.Database("upsert", errors.New("constraint failed"), false)
	ok := &database.UpsertResult{Created: true}

	tests := []struct {
		name          string
		returns       []error
		expectedCalls int
		expectErr     bool
		errContains   string
	}{
		{
			name:          "Succeeds first time",
			returns:       []error{nil},
			expectedCalls: 1,
		},
		{
			name:          "Retries transient errors",
			returns:       []error{transient, transient, nil},
			expectedCalls: 3,
		},
		{
			name:          "Stops on permanent error",
			returns:       []error{permanent},
			expectedCalls: 1,
			expectErr:     true,
			errContains:   "constraint failed",
		},
		{
			name:          "Gives up after max retries",
			returns:       []error{transient, transient, transient, transient},
			expectedCalls: 4,
			expectErr:     true,
			errContains:   "after 4 attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &MockStore{}
			for _, err := range tt.returns {
				if err == nil {
					store.On("Upsert", "x1").Return(ok, nil).Once()
				} else {
					store.On("Upsert", "x1").Return(nil, err).Once()
				}
			}

			p := NewListingProcessor(store, NewIdentityLocks(4), Options{MaxRetries: 3, RetryDelay: time.Millisecond}, quietLogger())
			res, err := p.Process(context.Background(), testListing("x1"))

			if tt.expectErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, res)
			} else {
				require.NoError(t, err)
				assert.Equal(t, ok, res)
			}
			store.AssertNumberOfCalls(t, "Upsert", tt.expectedCalls)
		})
	}
}

func TestListingProcessor_ProcessCancelledDuringBackoff(t *testing.T) {
	store := &MockStore{}
	store.On("Upsert", "x1").Return(nil, apperr.Database("upsert", errors.New("busy"), true))

	p := NewListingProcessor(store, nil, Options{MaxRetries: 5, RetryDelay: time.Hour}, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Process(ctx, testListing("x1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	store.AssertNumberOfCalls(t, "Upsert", 1)
}

// overlapStore records whether two upserts of the same identity ever ran
// at the same time.
type overlapStore struct {
	mu       sync.Mutex
	active   map[string]int
	overlaps int32
	calls    int32
}

func (s *overlapStore) Upsert(ctx context.Context, raw models.RawListing, now time.Time) (*database.UpsertResult, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.active[raw.ExternalID]++
	if s.active[raw.ExternalID] > 1 {
		atomic.AddInt32(&s.overlaps, 1)
	}
	s.mu.Unlock()

	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.active[raw.ExternalID]--
	s.mu.Unlock()
	return &database.UpsertResult{}, nil
}

func TestListingProcessor_SerialisesSameIdentity(t *testing.T) {
	store := &overlapStore{active: map[string]int{}}
	p := NewListingProcessor(store, NewIdentityLocks(8), Options{}, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "same"
			if i%2 == 0 {
				id = "other"
			}
			_, err := p.Process(context.Background(), testListing(id))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(20), atomic.LoadInt32(&store.calls))
	assert.Zero(t, atomic.LoadInt32(&store.overlaps))
}

func TestListingProcessor_Consume(t *testing.T) {
	store := &MockStore{}
	store.On("Upsert", "a").Return(&database.UpsertResult{Created: true}, nil)
	store.On("Upsert", "b").Return(nil, apperr.Database("upsert", errors.New("constraint failed"), false))
	store.On("Upsert", "c").Return(&database.UpsertResult{PriceChanged: true}, nil)

	q := queue.New[models.RawListing]("listings", 4, quietLogger())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(context.Background(), testListing(id)))
	}
	require.NoError(t, q.Close())

	p := NewListingProcessor(store, nil, Options{}, quietLogger())
	var outcomes []Outcome
	err := p.Consume(context.Background(), q, func(o Outcome) {
		outcomes = append(outcomes, o)
	})
	require.NoError(t, err)

	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Result.Created)
	assert.Error(t, outcomes[1].Err)
	assert.Equal(t, apperr.KindDatabase, apperr.KindOf(outcomes[1].Err))
	assert.True(t, outcomes[2].Result.PriceChanged)
}

func TestIdentityLocks_SameShard(t *testing.T) {
	locks := NewIdentityLocks(16)
	id := models.Identity{Source: "argenprop", ExternalID: "x"}

	unlock := locks.Lock(id)
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		locks.Lock(id)()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same identity should wait")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}
