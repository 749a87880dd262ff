package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"brea/server/internal/models"

	"gopkg.in/yaml.v3"
)

// ScrapeScope is one scheduled re-scrape target.
type ScrapeScope struct {
	Source   string   `yaml:"source"`
	District string   `yaml:"district"`
	Types    []string `yaml:"types"`
	MinPrice *int64   `yaml:"min_price"`
	MaxPrice *int64   `yaml:"max_price"`
	MinSize  *int64   `yaml:"min_size"`
	MaxSize  *int64   `yaml:"max_size"`
	MaxPages int      `yaml:"max_pages"`
}

// PropertyTypes parses the configured type names. An empty list means every
// type the source supports.
func (s ScrapeScope) PropertyTypes() ([]models.PropertyType, error) {
	types := make([]models.PropertyType, 0, len(s.Types))
	for _, name := range s.Types {
		t, err := models.ParsePropertyType(name)
		if err != nil {
			return nil, fmt.Errorf("scope %s/%s: %w", s.Source, s.District, err)
		}
		types = append(types, t)
	}
	return types, nil
}

type scopesFile struct {
	Scopes []ScrapeScope `yaml:"scopes"`
}

var (
	scopes     []ScrapeScope
	scopesLock sync.RWMutex
)

// LoadScopes loads the scheduled scopes from a YAML file. A missing file
// leaves the list empty.
func LoadScopes(path string) error {
	scopesLock.Lock()
	defer scopesLock.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if os.IsNotExist(err) {
		scopes = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read scopes file: %w", err)
	}

	var parsed scopesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse scopes file: %w", err)
	}

	for _, s := range parsed.Scopes {
		if s.Source == "" || s.District == "" {
			return fmt.Errorf("scope entries need both source and district")
		}
		if _, err := s.PropertyTypes(); err != nil {
			return err
		}
	}

	scopes = parsed.Scopes
	return nil
}

// GetScopes returns a copy of the loaded scopes.
func GetScopes() []ScrapeScope {
	scopesLock.RLock()
	defer scopesLock.RUnlock()

	out := make([]ScrapeScope, len(scopes))
	copy(out, scopes)
	return out
}
