package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ScrapeRun is the persisted summary of one ingestion run.
type ScrapeRun struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	Source        string     `gorm:"column:source" json:"source"`
	District      string     `gorm:"column:district" json:"district"`
	PropertyTypes string     `gorm:"column:property_types" json:"property_types"`
	StartedAt     time.Time  `gorm:"column:started_at" json:"started_at"`
	FinishedAt    *time.Time `gorm:"column:finished_at" json:"finished_at"`
	Status        RunStatus  `gorm:"column:status" json:"status"`
	Created       int        `gorm:"column:created" json:"created"`
	Updated       int        `gorm:"column:updated" json:"updated"`
	Removed       int        `gorm:"column:removed" json:"removed"`
	Failed        int        `gorm:"column:failed" json:"failed"`
	FailedPages   int        `gorm:"column:failed_pages" json:"failed_pages"`
	PagesFetched  int        `gorm:"column:pages_fetched" json:"pages_fetched"`
	Error         string     `gorm:"column:error" json:"error,omitempty"`
}

func (ScrapeRun) TableName() string {
	return "scrape_runs"
}

// AppliedMigration is a row of the migrations log.
type AppliedMigration struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false" json:"version"`
	Name      string    `gorm:"not null" json:"name"`
	Checksum  string    `gorm:"not null" json:"checksum"`
	AppliedAt time.Time `gorm:"not null" json:"applied_at"`
}

func (AppliedMigration) TableName() string {
	return "schema_migrations"
}
