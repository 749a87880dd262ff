package adapter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var priceNoise = strings.NewReplacer(
	"USD", "",
	"U$S", "",
	"US$", "",
	"$", "",
	".", "",
	",", "",
	" ", "",
	" ", "",
	"\t", "",
	"\n", "",
)

// ParsePrice normalises a displayed price. Blank text yields an absent
// price; text that is present but not a number is an error.
func ParsePrice(text string) (decimal.NullDecimal, error) {
	cleaned := priceNoise.Replace(strings.TrimSpace(text))
	if cleaned == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("unparseable price %q", strings.TrimSpace(text))
	}
	return decimal.NewNullDecimal(d), nil
}

var numberPattern = regexp.MustCompile(`\d+(?:\.\d{3})*(?:,\d+)?`)

// leadingNumber extracts the first number in text, reading "." as the
// thousands separator and "," as the decimal mark.
func leadingNumber(text string) (float64, bool) {
	match := numberPattern.FindString(text)
	if match == "" {
		return 0, false
	}
	match = strings.ReplaceAll(match, ".", "")
	match = strings.ReplaceAll(match, ",", ".")
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func leadingInt(text string) (int, bool) {
	v, ok := leadingNumber(text)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// districtSlug lower-cases a district, drops a leading Spanish article and
// joins words with dashes.
func districtSlug(district string) string {
	d := strings.ToLower(strings.TrimSpace(district))
	for _, article := range []string{"la ", "el ", "los ", "las "} {
		if strings.HasPrefix(d, article) {
			d = strings.TrimPrefix(d, article)
			break
		}
	}
	return strings.Join(strings.Fields(d), "-")
}

func rangeParam(min, max *int64) string {
	var b strings.Builder
	if min != nil {
		b.WriteString(strconv.FormatInt(*min, 10))
	}
	b.WriteByte('-')
	if max != nil {
		b.WriteString(strconv.FormatInt(*max, 10))
	}
	return b.String()
}
