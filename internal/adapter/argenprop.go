package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"brea/server/internal/apperr"
	"brea/server/internal/models"

	"github.com/PuerkitoBio/goquery"
)

const (
	ArgenpropName           = "argenprop"
	DefaultArgenpropBaseURL = "https://www.argenprop.com"
)

var argenpropTypes = map[models.PropertyType]string{
	models.TypeHouse:              "casas",
	models.TypeApartment:          "departamentos",
	models.TypeLand:               "terrenos",
	models.TypePH:                 "ph",
	models.TypeCommercial:         "locales",
	models.TypeField:              "campos",
	models.TypeGarage:             "cocheras",
	models.TypeCommercialPremises: "locales-comerciales",
	models.TypeWarehouse:          "galpones",
	models.TypeHotel:              "hoteles",
	models.TypeSpecialBusiness:    "negocios-especiales",
	models.TypeOffice:             "oficinas",
	models.TypeCountryHouse:       "quintas",
}

// Argenprop scrapes the argenprop.com listing pages.
type Argenprop struct {
	baseURL string
}

func NewArgenprop(baseURL string) *Argenprop {
	if baseURL == "" {
		baseURL = DefaultArgenpropBaseURL
	}
	return &Argenprop{baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *Argenprop) Name() string { return ArgenpropName }

func (a *Argenprop) SupportedTypes() []models.PropertyType {
	types := make([]models.PropertyType, 0, len(argenpropTypes))
	for _, t := range models.AllPropertyTypes {
		if _, ok := argenpropTypes[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

func (a *Argenprop) TranslatePropertyType(t models.PropertyType) (string, error) {
	return translate(argenpropTypes, t)
}

func (a *Argenprop) BuildQuery(q Query) (Request, error) {
	token, err := a.TranslatePropertyType(q.PropertyType)
	if err != nil {
		return Request{}, err
	}
	district := districtSlug(q.District)
	if district == "" {
		return Request{}, ErrMissingDistrict
	}

	u := fmt.Sprintf("%s/%s/venta/%s", a.baseURL, token, url.PathEscape(district))

	var params []string
	if q.MinPrice != nil || q.MaxPrice != nil {
		params = append(params, "precio="+rangeParam(q.MinPrice, q.MaxPrice))
	}
	if q.MinSize != nil || q.MaxSize != nil {
		params = append(params, "superficie="+rangeParam(q.MinSize, q.MaxSize))
	}
	if q.Page > 1 {
		params = append(params, fmt.Sprintf("pagina-%d", q.Page))
	}
	if len(params) > 0 {
		u += "?" + strings.Join(params, "&")
	}

	return Request{Method: http.MethodGet, URL: u}, nil
}

func (a *Argenprop) ParsePage(q Query, body []byte) (Page, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Page{}, apperr.Parse("argenprop page", errors.New("empty body"))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, apperr.Parse("argenprop page", err)
	}

	items := doc.Find(".listing__item")
	next := doc.Find(".pagination__page-next")
	if items.Length() == 0 && next.Length() == 0 && doc.Find(".listing__items").Length() == 0 {
		return Page{}, apperr.Parse("argenprop page", errors.New("listing selectors matched nothing"))
	}

	page := Page{
		HasNext: next.Length() > 0 && !next.HasClass("pagination__page--disable"),
	}

	items.Each(func(_ int, item *goquery.Selection) {
		listing, err := a.parseItem(q, item)
		if err != nil {
			page.Failures = append(page.Failures, err)
			return
		}
		page.Listings = append(page.Listings, listing)
	})

	return page, nil
}

func (a *Argenprop) parseItem(q Query, item *goquery.Selection) (models.RawListing, error) {
	link := item.Find("a.card").First()
	if link.Length() == 0 {
		link = item.Find("a[href]").First()
	}
	href, _ := link.Attr("href")
	externalID := lastPathSegment(href)
	if externalID == "" {
		return models.RawListing{}, apperr.Parse("argenprop listing", errors.New("listing without link"))
	}

	listing := models.RawListing{
		Source:       ArgenpropName,
		ExternalID:   externalID,
		URL:          a.absolute(href),
		District:     q.District,
		PropertyType: q.PropertyType,
		Title:        cleanText(item.Find(".card__title").First().Text()),
		Address:      cleanText(item.Find(".card__address").First().Text()),
		Description:  cleanText(item.Find(".card__description").First().Text()),
	}

	priceSel := item.Find(".card__price").First()
	if priceSel.Length() > 0 {
		priceSel.Find(".card__expenses").Remove()
		price, err := ParsePrice(priceSel.Text())
		if err != nil {
			return models.RawListing{}, apperr.Parse("argenprop listing "+externalID, err)
		}
		listing.PriceUSD = price
	}

	item.Find(".card__main-features li").Each(func(_ int, li *goquery.Selection) {
		text := strings.ToLower(cleanText(li.Text()))
		switch {
		case strings.Contains(text, "m²") || strings.Contains(text, "m2"):
			if v, ok := leadingNumber(text); ok && listing.SizeM2 == nil {
				listing.SizeM2 = &v
			}
		case strings.Contains(text, "ambiente"):
			if v, ok := leadingInt(text); ok {
				listing.Rooms = &v
			}
		case strings.Contains(text, "estrenar"):
			zero := 0
			listing.AntiquityYears = &zero
		case strings.Contains(text, "año"):
			if v, ok := leadingInt(text); ok {
				listing.AntiquityYears = &v
			}
		}
	})

	item.Find(".card__photos img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if !isHTTPURL(src) {
			src, _ = img.Attr("data-src")
		}
		if src = strings.TrimSpace(src); src == "" {
			return
		}
		if abs := a.absolute(src); isHTTPURL(abs) {
			listing.ImageURLs = append(listing.ImageURLs, abs)
		}
	})

	return listing, nil
}

func (a *Argenprop) absolute(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || isHTTPURL(ref) {
		return ref
	}
	base, err := url.Parse(a.baseURL + "/")
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func lastPathSegment(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	href = strings.TrimRight(strings.TrimSpace(href), "/")
	if i := strings.LastIndex(href, "/"); i >= 0 {
		href = href[i+1:]
	}
	return href
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
