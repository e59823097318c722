package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD request field.
func ParseDate(field, value string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be a YYYY-MM-DD date, got %q", field, value)
	}
	return t, nil
}

// ParseOptionalDate returns nil for an empty field.
func ParseOptionalDate(field, value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := ParseDate(field, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseAmount converts a JSON number field into an exact decimal. Amounts
// ride as json.Number so values like 150000.25 never round-trip through a
// float64.
func ParseAmount(field string, value json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s must be numeric, got %q", field, value.String())
	}
	return d, nil
}

// ParseOptionalAmount returns nil for an absent field ("" after decoding).
func ParseOptionalAmount(field string, value json.Number) (*decimal.Decimal, error) {
	if value.String() == "" {
		return nil, nil
	}
	d, err := ParseAmount(field, value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
