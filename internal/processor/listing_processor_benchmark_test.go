package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"brea/server/internal/models"
	"brea/server/internal/queue"
)

func generateTestListings(count int) []models.RawListing {
	listings := make([]models.RawListing, count)
	for i := range listings {
		listings[i] = pricedListing(fmt.Sprintf("bench-%d", i), int64(50000+i*10))
	}
	return listings
}

func BenchmarkConcurrentListingProcessing(b *testing.B) {
	db, store := setupTestStore(b)

	// Test configurations
	concurrencyLevels := []int{1, 2, 4, 8}
	listingCount := 500

	for _, concurrency := range concurrencyLevels {
		b.Run(fmt.Sprintf("Concurrency_%d", concurrency), func(b *testing.B) {
			p := NewListingProcessor(store, NewIdentityLocks(64), Options{MaxRetries: 3}, quietLogger())
			listings := generateTestListings(listingCount)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				// Clear database before each iteration
				b.StopTimer()
				db.Exec("DELETE FROM price_history")
				db.Exec("DELETE FROM properties")
				q := queue.New[models.RawListing]("bench", 64, quietLogger())
				b.StartTimer()

				var wg sync.WaitGroup
				for w := 0; w < concurrency; w++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_ = p.Consume(context.Background(), q, nil)
					}()
				}
				for _, l := range listings {
					require.NoError(b, q.Push(context.Background(), l))
				}
				require.NoError(b, q.Close())
				wg.Wait()

				// Verify all listings were processed
				b.StopTimer()
				var count int64
				require.NoError(b, db.Model(&models.Property{}).Count(&count).Error)
				require.Equal(b, int64(listingCount), count)
				b.StartTimer()
			}
			b.ReportMetric(float64(listingCount*b.N)/b.Elapsed().Seconds(), "listings/sec")
		})
	}
}
