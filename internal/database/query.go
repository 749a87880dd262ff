package database

import (
	"context"
	"fmt"
	"strings"

	"brea/server/internal/apperr"
	"brea/server/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Field is a queryable property attribute.
type Field string

const (
	FieldPrice     Field = "price"
	FieldSize      Field = "size"
	FieldRooms     Field = "rooms"
	FieldAntiquity Field = "antiquity"
	FieldDistrict  Field = "district"
	FieldType      Field = "type"
	FieldStatus    Field = "status"
	FieldSource    Field = "source"
)

var fieldColumns = map[Field]string{
	FieldPrice:     "price_usd",
	FieldSize:      "size_m2",
	FieldRooms:     "rooms",
	FieldAntiquity: "antiquity_years",
	FieldDistrict:  "district",
	FieldType:      "property_type",
	FieldStatus:    "status",
	FieldSource:    "source",
}

func (f Field) numeric() bool {
	switch f {
	case FieldPrice, FieldSize, FieldRooms, FieldAntiquity:
		return true
	}
	return false
}

type Op int

const (
	OpEq Op = iota
	OpBetween
	OpIn
)

// Predicate is one condition of a property query. Predicates in a query
// are combined with AND.
type Predicate struct {
	Field  Field
	Op     Op
	Value  interface{}
	Values []interface{}
	Min    *float64
	Max    *float64
}

func Eq(field Field, value interface{}) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: value}
}

// Between matches an inclusive range. Either bound may be nil.
func Between(field Field, min, max *float64) Predicate {
	return Predicate{Field: field, Op: OpBetween, Min: min, Max: max}
}

func In(field Field, values ...interface{}) Predicate {
	return Predicate{Field: field, Op: OpIn, Values: values}
}

func (p Predicate) validate() error {
	if _, ok := fieldColumns[p.Field]; !ok {
		return apperr.Validation("predicate", "unknown field %q", p.Field)
	}
	switch p.Op {
	case OpEq:
		if p.Value == nil {
			return apperr.Validation(string(p.Field), "equality needs a value")
		}
	case OpBetween:
		if !p.Field.numeric() {
			return apperr.Validation(string(p.Field), "range predicates need a numeric field")
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return apperr.Validation(string(p.Field), "min %v is greater than max %v", *p.Min, *p.Max)
		}
	case OpIn:
		if len(p.Values) == 0 {
			return apperr.Validation(string(p.Field), "set membership needs at least one value")
		}
	default:
		return apperr.Validation(string(p.Field), "unknown operator %d", p.Op)
	}
	return nil
}

func (p Predicate) apply(q *gorm.DB) *gorm.DB {
	column := fieldColumns[p.Field]
	switch p.Op {
	case OpEq:
		if p.Field == FieldDistrict {
			return q.Where("LOWER(district) = LOWER(?)", p.Value)
		}
		return q.Where(fmt.Sprintf("%s = ?", column), p.Value)
	case OpBetween:
		if p.Min != nil {
			q = q.Where(fmt.Sprintf("%s >= ?", column), *p.Min)
		}
		if p.Max != nil {
			q = q.Where(fmt.Sprintf("%s <= ?", column), *p.Max)
		}
		return q
	case OpIn:
		if p.Field == FieldDistrict {
			lowered := make([]interface{}, len(p.Values))
			for i, v := range p.Values {
				lowered[i] = strings.ToLower(fmt.Sprint(v))
			}
			return q.Where("LOWER(district) IN ?", lowered)
		}
		return q.Where(fmt.Sprintf("%s IN ?", column), p.Values)
	}
	return q
}

type SortKey string

const (
	SortPrice     SortKey = "price"
	SortSize      SortKey = "size"
	SortRooms     SortKey = "rooms"
	SortAntiquity SortKey = "antiquity"
)

var sortColumns = map[SortKey]string{
	SortPrice:     "price_usd",
	SortSize:      "size_m2",
	SortRooms:     "rooms",
	SortAntiquity: "antiquity_years",
}

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// PropertyQuery is a composable listing query. An empty Sort orders by price.
type PropertyQuery struct {
	Predicates []Predicate
	Sort       SortKey
	Direction  Direction
	Limit      int
	Offset     int
}

func (q PropertyQuery) Where(p ...Predicate) PropertyQuery {
	q.Predicates = append(append([]Predicate{}, q.Predicates...), p...)
	return q
}

func (q PropertyQuery) validate() error {
	for _, p := range q.Predicates {
		if err := p.validate(); err != nil {
			return err
		}
	}
	if q.Sort != "" {
		if _, ok := sortColumns[q.Sort]; !ok {
			return apperr.Validation("sort", "unknown sort key %q", q.Sort)
		}
	}
	if q.Direction != "" && q.Direction != Asc && q.Direction != Desc {
		return apperr.Validation("direction", "must be asc or desc, got %q", q.Direction)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return apperr.Validation("limit", "limit and offset must not be negative")
	}
	return nil
}

// Query returns the properties matching every predicate, ordered by the
// requested key with id as tiebreaker.
func (s *Store) Query(ctx context.Context, pq PropertyQuery) ([]models.Property, error) {
	if err := pq.validate(); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&models.Property{})
	for _, p := range pq.Predicates {
		q = p.apply(q)
	}

	sort := pq.Sort
	if sort == "" {
		sort = SortPrice
	}
	q = q.Order(clause.OrderByColumn{
		Column: clause.Column{Name: sortColumns[sort]},
		Desc:   pq.Direction == Desc,
	}).Order("id ASC")

	if pq.Limit > 0 {
		q = q.Limit(pq.Limit)
	}
	if pq.Offset > 0 {
		q = q.Offset(pq.Offset)
	}

	var properties []models.Property
	if err := q.Find(&properties).Error; err != nil {
		return nil, classify("query properties", err)
	}
	return properties, nil
}
