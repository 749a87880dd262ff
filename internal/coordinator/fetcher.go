package coordinator

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"brea/server/config"
	"brea/server/internal/adapter"
	"brea/server/internal/apperr"
)

// Fetcher performs page requests for all sources. It owns rate limiting
// and retries so adapters only describe requests and parse bodies.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    *logrus.Logger

	global      *rate.Limiter
	minInterval time.Duration
	mu          sync.Mutex
	perSource   map[string]*rate.Limiter

	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	timeout     time.Duration
}

func NewFetcher(cfg *config.Config, client *http.Client, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if client == nil {
		client = &http.Client{}
	}

	burst := cfg.Scrape.RateBurst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.Scrape.RatePerSec)
	if cfg.Scrape.RatePerSec <= 0 {
		limit = rate.Inf
	}
	attempts := cfg.Scrape.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Fetcher{
		client:      client,
		userAgent:   cfg.Scrape.UserAgent,
		logger:      logger,
		global:      rate.NewLimiter(limit, burst),
		minInterval: cfg.Scrape.SourceMinInterval,
		perSource:   make(map[string]*rate.Limiter),
		maxAttempts: attempts,
		backoffBase: cfg.Scrape.BackoffBase,
		backoffMax:  cfg.Scrape.BackoffMax,
		timeout:     cfg.Scrape.RequestTimeout,
	}
}

// Fetch returns the body for req, retrying transient failures with
// exponential backoff. The returned error keeps its classification.
func (f *Fetcher) Fetch(ctx context.Context, source string, req adapter.Request) ([]byte, error) {
	var err error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.backoff(attempt - 1)
			if hint := apperr.RetryAfterHint(err); hint > delay {
				delay = hint
			}
			f.logger.WithFields(logrus.Fields{
				"source":  source,
				"url":     req.URL,
				"attempt": attempt,
				"delay":   delay.String(),
				"kind":    apperr.KindOf(err).String(),
			}).Warn("Retrying page fetch")
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}

		if waitErr := f.wait(ctx, source); waitErr != nil {
			return nil, waitErr
		}

		var body []byte
		body, err = f.fetchOnce(ctx, req)
		if err == nil {
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !apperr.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, err
}

func (f *Fetcher) wait(ctx context.Context, source string) error {
	if err := f.global.Wait(ctx); err != nil {
		return err
	}
	if lim := f.sourceLimiter(source); lim != nil {
		return lim.Wait(ctx)
	}
	return nil
}

func (f *Fetcher) sourceLimiter(source string) *rate.Limiter {
	if f.minInterval <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	lim, ok := f.perSource[source]
	if !ok {
		lim = rate.NewLimiter(rate.Every(f.minInterval), 1)
		f.perSource[source] = lim
	}
	return lim
}

// backoff returns base*2^(n-1) capped at the maximum, plus up to 25% jitter.
// A zero maximum leaves the delay uncapped.
func (f *Fetcher) backoff(n int) time.Duration {
	d := f.backoffBase
	for i := 1; i < n && d > 0; i++ {
		if f.backoffMax > 0 && d >= f.backoffMax {
			break
		}
		if d > math.MaxInt64/4 {
			break
		}
		d *= 2
	}
	if f.backoffMax > 0 && d > f.backoffMax {
		d = f.backoffMax
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func (f *Fetcher) fetchOnce(ctx context.Context, req adapter.Request) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	op := method + " " + req.URL

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, apperr.Network(op, err, false)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	if httpReq.Header.Get("Accept-Language") == "" {
		httpReq.Header.Set("Accept-Language", "es-AR,es;q=0.9,en;q=0.5")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Network(op, err, true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperr.RateLimited(op, parseRetryAfter(resp.Header))
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperr.Network(op, fmt.Errorf("http %d", resp.StatusCode), true)
	case resp.StatusCode >= 400:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperr.Network(op, fmt.Errorf("http %d", resp.StatusCode), false)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network(op, fmt.Errorf("failed to read body: %w", err), true)
	}
	return body, nil
}

func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
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
