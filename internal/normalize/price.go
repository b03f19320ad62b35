// Package normalize converts locale-formatted price and availability text
// into canonical values.
package normalize

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotAPrice signals that a text fragment does not contain a plausible price.
var ErrNotAPrice = errors.New("not a price")

// Plausible price range in cents. Anything outside is treated as noise
// (article numbers, deposit hints) rather than a parse error.
const (
	minPriceCents = 1
	maxPriceCents = 99999
)

// Price is a fixed-point amount in cents.
type Price int64

// String formats the price with two decimal places, e.g. "1.79".
func (p Price) String() string {
	return fmt.Sprintf("%d.%02d", p/100, p%100)
}

// Float64 returns the price in currency units.
func (p Price) Float64() float64 {
	return float64(p) / 100
}

// Value implements driver.Valuer so a Price persists as an integer cents
// column, avoiding float rounding in the database round-trip.
func (p Price) Value() (driver.Value, error) {
	return int64(p), nil
}

// Scan implements sql.Scanner for the cents column.
func (p *Price) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*p = Price(v)
		return nil
	case nil:
		*p = 0
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Price", src)
	}
}

var (
	priceNoiseRe   = regexp.MustCompile(`[^\d,.-]`)
	pricePatternRe = regexp.MustCompile(`-?\d*\.?\d+`)
)

// ParsePrice converts a raw price text like "€1,79", "-.90" or ",95" into
// cents. Currency symbols and whitespace are stripped, the cents-only
// shorthand (a bare fractional part, optionally signed) is rewritten with an
// explicit zero integer part, commas are normalized to decimal points and a
// spurious sign is dropped. Values outside the plausible range are rejected
// with ErrNotAPrice.
func ParsePrice(text string) (Price, error) {
	clean := priceNoiseRe.ReplaceAllString(strings.TrimSpace(text), "")
	if clean == "" {
		return 0, ErrNotAPrice
	}

	// Cents-only shorthand: "-.90", ".90", "-,90", ",90"
	switch {
	case strings.HasPrefix(clean, "-.") && len(clean) <= 4:
		clean = "0" + clean[1:]
	case strings.HasPrefix(clean, ".") && len(clean) <= 3:
		clean = "0" + clean
	case strings.HasPrefix(clean, "-,") && len(clean) <= 4:
		clean = "0." + clean[2:]
	case strings.HasPrefix(clean, ",") && len(clean) <= 3:
		clean = "0." + clean[1:]
	}

	clean = strings.ReplaceAll(clean, ",", ".")

	match := pricePatternRe.FindString(clean)
	if match == "" {
		return 0, ErrNotAPrice
	}

	cents, err := parseCents(strings.TrimPrefix(match, "-"))
	if err != nil {
		return 0, ErrNotAPrice
	}
	if cents < minPriceCents || cents > maxPriceCents {
		return 0, ErrNotAPrice
	}
	return cents, nil
}

// parseCents converts an unsigned decimal string into cents without going
// through floating point.
func parseCents(s string) (Price, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}

	switch {
	case len(frac) > 2:
		frac = frac[:2]
	case len(frac) == 1:
		frac += "0"
	case frac == "":
		frac = "00"
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	return Price(units*100 + cents), nil
}
