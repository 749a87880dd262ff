package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"brea/server/internal/apperr"
	"brea/server/internal/models"

	"github.com/jszwec/csvutil"
	"github.com/shopspring/decimal"
)

const (
	CSVFeedName = "csvfeed"

	// feedNextMarker is the trailing line a feed page carries when more pages follow.
	feedNextMarker = "#next"
)

var csvFeedTypes = map[models.PropertyType]string{
	models.TypeHouse:              "house",
	models.TypeApartment:          "apartment",
	models.TypeLand:               "land",
	models.TypePH:                 "ph",
	models.TypeCommercial:         "commercial",
	models.TypeField:              "field",
	models.TypeGarage:             "garage",
	models.TypeCommercialPremises: "commercial_premises",
	models.TypeWarehouse:          "warehouse",
	models.TypeOffice:             "office",
	models.TypeCountryHouse:       "country_house",
}

type feedRow struct {
	ExternalID string `csv:"external_id"`
	URL        string `csv:"url"`
	Title      string `csv:"title"`
	Address    string `csv:"address"`
	Price      string `csv:"price"`
	SizeM2     string `csv:"size_m2"`
	Rooms      string `csv:"rooms"`
	Antiquity  string `csv:"antiquity"`
	Status     string `csv:"status"`
	Images     string `csv:"images"`
}

// CSVFeed reads paginated CSV exports of a listing feed.
type CSVFeed struct {
	baseURL string
}

func NewCSVFeed(baseURL string) *CSVFeed {
	return &CSVFeed{baseURL: strings.TrimRight(baseURL, "/")}
}

func (f *CSVFeed) Name() string { return CSVFeedName }

func (f *CSVFeed) SupportedTypes() []models.PropertyType {
	types := make([]models.PropertyType, 0, len(csvFeedTypes))
	for _, t := range models.AllPropertyTypes {
		if _, ok := csvFeedTypes[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

func (f *CSVFeed) TranslatePropertyType(t models.PropertyType) (string, error) {
	return translate(csvFeedTypes, t)
}

func (f *CSVFeed) BuildQuery(q Query) (Request, error) {
	if f.baseURL == "" {
		return Request{}, errors.New("csv feed base url is not configured")
	}
	token, err := f.TranslatePropertyType(q.PropertyType)
	if err != nil {
		return Request{}, err
	}
	district := districtSlug(q.District)
	if district == "" {
		return Request{}, ErrMissingDistrict
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	setInt := func(key string, v *int64) {
		if v != nil {
			params.Set(key, strconv.FormatInt(*v, 10))
		}
	}
	setInt("min_price", q.MinPrice)
	setInt("max_price", q.MaxPrice)
	setInt("min_size", q.MinSize)
	setInt("max_size", q.MaxSize)

	u := fmt.Sprintf("%s/%s/%s.csv?%s", f.baseURL, token, url.PathEscape(district), params.Encode())
	return Request{Method: http.MethodGet, URL: u, Header: http.Header{"Accept": []string{"text/csv"}}}, nil
}

func (f *CSVFeed) ParsePage(q Query, body []byte) (Page, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Page{}, apperr.Parse("csv feed page", errors.New("empty body"))
	}

	var page Page
	if i := bytes.LastIndexByte(body, '\n'); i >= 0 && string(bytes.TrimSpace(body[i+1:])) == feedNextMarker {
		page.HasNext = true
		body = body[:i]
	}

	header, _, _ := bytes.Cut(body, []byte("\n"))
	if !bytes.Contains(header, []byte("external_id")) {
		return Page{}, apperr.Parse("csv feed page", errors.New("missing external_id column"))
	}

	var rows []feedRow
	if err := csvutil.Unmarshal(body, &rows); err != nil {
		return Page{}, apperr.Parse("csv feed page", err)
	}

	for i, row := range rows {
		listing, err := row.toListing(q)
		if err != nil {
			page.Failures = append(page.Failures, apperr.Parse(fmt.Sprintf("csv feed row %d", i+1), err))
			continue
		}
		page.Listings = append(page.Listings, listing)
	}
	return page, nil
}

func (r feedRow) toListing(q Query) (models.RawListing, error) {
	id := strings.TrimSpace(r.ExternalID)
	if id == "" {
		return models.RawListing{}, errors.New("missing external_id")
	}

	listing := models.RawListing{
		Source:       CSVFeedName,
		ExternalID:   id,
		URL:          strings.TrimSpace(r.URL),
		District:     q.District,
		PropertyType: q.PropertyType,
		Title:        cleanText(r.Title),
		Address:      cleanText(r.Address),
		ImageURLs:    strings.Fields(r.Images),
	}

	price, err := ParsePrice(r.Price)
	if err != nil {
		return models.RawListing{}, fmt.Errorf("listing %s: %w", id, err)
	}
	listing.PriceUSD = price

	if s := strings.TrimSpace(r.SizeM2); s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return models.RawListing{}, fmt.Errorf("listing %s: invalid size %q", id, s)
		}
		size := v.InexactFloat64()
		listing.SizeM2 = &size
	}
	if listing.Rooms, err = optionalInt(r.Rooms); err != nil {
		return models.RawListing{}, fmt.Errorf("listing %s: invalid rooms: %w", id, err)
	}
	if listing.AntiquityYears, err = optionalInt(r.Antiquity); err != nil {
		return models.RawListing{}, fmt.Errorf("listing %s: invalid antiquity: %w", id, err)
	}

	if s := strings.TrimSpace(r.Status); s != "" {
		status, err := models.ParseStatus(s)
		if err != nil {
			return models.RawListing{}, fmt.Errorf("listing %s: %w", id, err)
		}
		listing.Status = status
	}

	return listing, nil
}

func optionalInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
