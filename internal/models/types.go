package models

import (
	"fmt"
	"strings"
)

// PropertyType is the closed set of listing types. Adapters translate it to
// their own URL tokens.
type PropertyType string

const (
	TypeHouse              PropertyType = "house"
	TypeApartment          PropertyType = "apartment"
	TypeLand               PropertyType = "land"
	TypePH                 PropertyType = "ph"
	TypeCommercial         PropertyType = "commercial"
	TypeField              PropertyType = "field"
	TypeGarage             PropertyType = "garage"
	TypeCommercialPremises PropertyType = "commercial-premises"
	TypeWarehouse          PropertyType = "warehouse"
	TypeHotel              PropertyType = "hotel"
	TypeSpecialBusiness    PropertyType = "special-business"
	TypeOffice             PropertyType = "office"
	TypeCountryHouse       PropertyType = "country-house"
)

// AllPropertyTypes lists every type in a stable order.
var AllPropertyTypes = []PropertyType{
	TypeHouse,
	TypeApartment,
	TypeLand,
	TypePH,
	TypeCommercial,
	TypeField,
	TypeGarage,
	TypeCommercialPremises,
	TypeWarehouse,
	TypeHotel,
	TypeSpecialBusiness,
	TypeOffice,
	TypeCountryHouse,
}

var propertyTypeAliases = map[string]PropertyType{
	"casa":                TypeHouse,
	"departamento":        TypeApartment,
	"depto":               TypeApartment,
	"terreno":             TypeLand,
	"local":               TypeCommercial,
	"campo":               TypeField,
	"cochera":             TypeGarage,
	"local-comercial":     TypeCommercialPremises,
	"commercial_premises": TypeCommercialPremises,
	"galpon":              TypeWarehouse,
	"special_business":    TypeSpecialBusiness,
	"negocio-especial":    TypeSpecialBusiness,
	"oficina":             TypeOffice,
	"quinta":              TypeCountryHouse,
	"country_house":       TypeCountryHouse,
}

func (t PropertyType) IsValid() bool {
	for _, known := range AllPropertyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParsePropertyType accepts the canonical names plus the Spanish aliases
// used on Argentine listing sites.
func ParsePropertyType(s string) (PropertyType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if t := PropertyType(normalized); t.IsValid() {
		return t, nil
	}
	if t, ok := propertyTypeAliases[normalized]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown property type: %s", s)
}

// Status is the availability of a listing.
type Status string

const (
	StatusActive  Status = "active"
	StatusSold    Status = "sold"
	StatusRemoved Status = "removed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusSold, StatusRemoved:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("unknown status: %s", s)
	}
	return status, nil
}

// CanTransition reports whether a stored status may move to next.
// Removed is terminal; active and sold may alternate as listings are relisted.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusSold || next == StatusRemoved
	case StatusSold:
		return next == StatusActive || next == StatusRemoved
	}
	return false
}
