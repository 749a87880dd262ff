package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Port     string `env:"PORT" envDefault:"5250"`

	// Allowed CORS origins, empty allows any origin
	CORSOrigins []string `env:"CORS_ALLOW_ORIGINS" envSeparator:","`

	Database struct {
		// Path to the SQLite file
		Path string `env:"DB_PATH" envDefault:"database/brea.db"`

		MaxOpenConns int `env:"DB_MAX_OPEN_CONNS" envDefault:"4"`

		// Milliseconds a writer waits on a locked database before failing
		BusyTimeoutMs int `env:"DB_BUSY_TIMEOUT_MS" envDefault:"5000"`

		// Migrate to the latest version on startup
		AutoMigrate bool `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	}

	Scrape struct {
		// Number of concurrent fetch workers per run
		Concurrency int `env:"SCRAPE_CONCURRENCY" envDefault:"4"`

		// Number of upsert consumers draining the listing queue
		UpsertWorkers int `env:"SCRAPE_UPSERT_WORKERS" envDefault:"4"`

		// Capacity of the bounded channel between fetchers and upserters
		ListingBuffer int `env:"SCRAPE_LISTING_BUFFER" envDefault:"64"`

		// Global token bucket
		RatePerSec float64 `env:"SCRAPE_RATE_PER_SEC" envDefault:"2"`
		RateBurst  int     `env:"SCRAPE_RATE_BURST" envDefault:"2"`

		// Optional minimum gap between two requests to the same source, 0 disables it
		SourceMinInterval time.Duration `env:"SCRAPE_SOURCE_MIN_INTERVAL" envDefault:"0s"`

		MaxAttempts int           `env:"SCRAPE_MAX_ATTEMPTS" envDefault:"4"`
		BackoffBase time.Duration `env:"SCRAPE_BACKOFF_BASE" envDefault:"500ms"`
		BackoffMax  time.Duration `env:"SCRAPE_BACKOFF_MAX" envDefault:"20s"`

		RequestTimeout time.Duration `env:"SCRAPE_REQUEST_TIMEOUT" envDefault:"25s"`

		// Optional deadline for a whole run, 0 disables it
		RunDeadline time.Duration `env:"SCRAPE_RUN_DEADLINE" envDefault:"0s"`

		// Page bound per scope, 0 means no bound
		MaxPages int `env:"SCRAPE_MAX_PAGES" envDefault:"0"`

		// Consecutive failed pages after which a scope is abandoned
		MaxConsecutiveFailures int `env:"SCRAPE_MAX_CONSECUTIVE_FAILURES" envDefault:"3"`

		UserAgent string `env:"SCRAPE_USER_AGENT" envDefault:"Mozilla/5.0 (X11; Linux x86_64) brea/1.0"`

		ArgenpropBaseURL string `env:"ARGENPROP_BASE_URL" envDefault:"https://www.argenprop.com"`
		CSVFeedBaseURL   string `env:"CSVFEED_BASE_URL"`
	}

	Processor struct {
		// Maximum number of retries for a transiently failing upsert
		MaxRetries int `env:"PROCESSOR_MAX_RETRIES" envDefault:"3"`

		RetryDelay time.Duration `env:"PROCESSOR_RETRY_DELAY" envDefault:"200ms"`

		// Number of identity lock shards
		LockShards int `env:"PROCESSOR_LOCK_SHARDS" envDefault:"64"`
	}

	Absence struct {
		// Consecutive missed full passes before a property is marked removed
		Threshold int `env:"ABSENCE_THRESHOLD,required"`
	}

	History struct {
		// Keep at most this many entries per property, 0 disables the bound
		MaxEntries int `env:"HISTORY_MAX_ENTRIES" envDefault:"0"`

		// Keep entries newer than this window, 0 disables the bound
		Window time.Duration `env:"HISTORY_WINDOW" envDefault:"0s"`

		SweepInterval time.Duration `env:"HISTORY_SWEEP_INTERVAL" envDefault:"24h"`
	}

	Images struct {
		// Maximum Hamming distance between two fingerprints considered the same image
		HashThreshold int `env:"IMAGE_HASH_THRESHOLD,required"`

		Workers         int           `env:"IMAGE_WORKERS" envDefault:"2"`
		QueueSize       int           `env:"IMAGE_QUEUE_SIZE" envDefault:"256"`
		DownloadTimeout time.Duration `env:"IMAGE_DOWNLOAD_TIMEOUT" envDefault:"30s"`
		MaxBytes        int64         `env:"IMAGE_MAX_BYTES" envDefault:"10485760"`
	}

	// Run summaries are posted to Telegram when both token and chat are set
	Telegram struct {
		BotToken   string `env:"TELEGRAM_BOT_TOKEN"`
		ChatID     string `env:"TELEGRAM_CHAT_ID"`
		APIBaseURL string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`

		// Skip runs that neither created, removed nor failed anything
		OnlyChanges bool `env:"TELEGRAM_ONLY_CHANGES" envDefault:"true"`
	}

	Schedule struct {
		Enabled    bool          `env:"SCHEDULE_ENABLED" envDefault:"false"`
		Interval   time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"6h"`
		ScopesFile string        `env:"SCOPES_FILE" envDefault:"config/scopes.yaml"`
	}
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Absence.Threshold < 1 {
		return fmt.Errorf("ABSENCE_THRESHOLD must be at least 1, got %d", c.Absence.Threshold)
	}
	if c.Images.HashThreshold < 0 || c.Images.HashThreshold > 64 {
		return fmt.Errorf("IMAGE_HASH_THRESHOLD must be between 0 and 64, got %d", c.Images.HashThreshold)
	}
	if c.Scrape.Concurrency < 1 || c.Scrape.UpsertWorkers < 1 {
		return fmt.Errorf("scrape concurrency and upsert workers must be positive")
	}
	if c.Scrape.ListingBuffer < 1 {
		return fmt.Errorf("SCRAPE_LISTING_BUFFER must be positive, got %d", c.Scrape.ListingBuffer)
	}
	if c.Scrape.RatePerSec <= 0 {
		return fmt.Errorf("SCRAPE_RATE_PER_SEC must be positive, got %v", c.Scrape.RatePerSec)
	}
	if c.Scrape.MaxAttempts < 1 {
		return fmt.Errorf("SCRAPE_MAX_ATTEMPTS must be at least 1, got %d", c.Scrape.MaxAttempts)
	}
	if c.History.MaxEntries < 0 || c.History.Window < 0 {
		return fmt.Errorf("history retention bounds must not be negative")
	}
	return nil
}
