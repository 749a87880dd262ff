package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"brea/server/internal/models"
)

var (
	ErrUnknownSource    = errors.New("unknown source")
	ErrUnsupportedType  = errors.New("property type not supported by source")
	ErrDuplicateAdapter = errors.New("adapter already registered")
	ErrMissingDistrict  = errors.New("query needs a district")
)

// Query is the filter set of one page request.
type Query struct {
	District     string              `json:"district"`
	PropertyType models.PropertyType `json:"property_type"`
	MinPrice     *int64              `json:"min_price,omitempty"`
	MaxPrice     *int64              `json:"max_price,omitempty"`
	MinSize      *int64              `json:"min_size,omitempty"`
	MaxSize      *int64              `json:"max_size,omitempty"`
	Page         int                 `json:"page"`
}

// Scope returns the absence scope the query covers.
func (q Query) Scope() models.Scope {
	return models.Scope{
		District:     q.District,
		PropertyType: q.PropertyType,
		MinPrice:     deref(q.MinPrice),
		MaxPrice:     deref(q.MaxPrice),
		MinSize:      deref(q.MinSize),
		MaxSize:      deref(q.MaxSize),
	}
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// Request describes the HTTP request for one page.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// Page is the parse result of one listing page. Listings that could not be
// parsed are reported in Failures and left out of Listings.
type Page struct {
	Listings []models.RawListing
	Failures []error
	HasNext  bool
}

// Adapter is the site-specific part of a scrape.
type Adapter interface {
	Name() string
	SupportedTypes() []models.PropertyType
	TranslatePropertyType(t models.PropertyType) (string, error)
	BuildQuery(q Query) (Request, error)
	ParsePage(q Query, body []byte) (Page, error)
}

// Registry maps source names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return a, nil
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func translate(table map[models.PropertyType]string, t models.PropertyType) (string, error) {
	token, ok := table[t]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return token, nil
}
