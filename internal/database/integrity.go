package database

import (
	"context"
	"fmt"
)

// IntegrityReport summarises consistency checks over the store.
type IntegrityReport struct {
	IntegrityCheck       []string `json:"integrity_check"`
	ForeignKeyViolations int      `json:"foreign_key_violations"`
	OrphanedImageLinks   int64    `json:"orphaned_image_links"`
	OrphanedHistory      int64    `json:"orphaned_history"`
	DuplicateIdentities  int64    `json:"duplicate_identities"`
}

func (r IntegrityReport) OK() bool {
	return len(r.IntegrityCheck) == 1 && r.IntegrityCheck[0] == "ok" &&
		r.ForeignKeyViolations == 0 &&
		r.OrphanedImageLinks == 0 &&
		r.OrphanedHistory == 0 &&
		r.DuplicateIdentities == 0
}

// CheckIntegrity runs SQLite's own checks plus the store's relational ones.
func (s *Store) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	db := s.db.WithContext(ctx)
	report := &IntegrityReport{}

	rows, err := db.Raw("PRAGMA integrity_check").Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to run integrity check: %w", err)
	}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read integrity check: %w", err)
		}
		report.IntegrityCheck = append(report.IntegrityCheck, line)
	}
	rows.Close()

	fkRows, err := db.Raw("PRAGMA foreign_key_check").Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to run foreign key check: %w", err)
	}
	for fkRows.Next() {
		report.ForeignKeyViolations++
	}
	fkRows.Close()

	checks := []struct {
		query string
		dest  *int64
	}{
		{
			query: `SELECT COUNT(*) FROM property_images pi
				LEFT JOIN properties p ON p.id = pi.property_id
				LEFT JOIN images i ON i.id = pi.image_id
				WHERE p.id IS NULL OR i.id IS NULL`,
			dest: &report.OrphanedImageLinks,
		},
		{
			query: `SELECT COUNT(*) FROM price_history ph
				LEFT JOIN properties p ON p.id = ph.property_id
				WHERE p.id IS NULL`,
			dest: &report.OrphanedHistory,
		},
		{
			query: `SELECT COUNT(*) FROM (
				SELECT source, external_id FROM properties
				GROUP BY source, external_id HAVING COUNT(*) > 1)`,
			dest: &report.DuplicateIdentities,
		},
	}
	for _, c := range checks {
		if err := db.Raw(c.query).Scan(c.dest).Error; err != nil {
			return nil, fmt.Errorf("failed to run integrity query: %w", err)
		}
	}

	return report, nil
}
