package database

import (
	"context"

	"brea/server/internal/models"
)

func (s *Store) CreateRun(ctx context.Context, run *models.ScrapeRun) error {
	return classify("create run", s.db.WithContext(ctx).Create(run).Error)
}

func (s *Store) FinishRun(ctx context.Context, run *models.ScrapeRun) error {
	return classify("finish run", s.db.WithContext(ctx).Save(run).Error)
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.ScrapeRun
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, classify("list runs", err)
	}
	return runs, nil
}
