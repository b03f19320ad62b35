package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Availability is the canonical interpretation of a raw availability text.
type Availability struct {
	Available  bool
	Text       string
	ValidUntil *time.Time
}

// unavailableIndicators force Available=false regardless of any dates found.
var unavailableIndicators = []string{
	"nicht verfügbar",
	"ausverkauft",
	"vergriffen",
	"nicht lieferbar",
	"out of stock",
	"sold out",
	"unavailable",
}

// dateRe matches day.month with an optional 4-digit year ("15.12." or "15.12.2024").
var dateRe = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})?`)

// ParseAvailability interprets a raw availability text like "Gültig bis 15.12."
// or "nicht verfügbar". Empty text means available with no constraint. When a
// date omits the year, the current year is assumed unless that would place the
// date more than 30 days in the past, in which case the next year is used
// (offers straddling the year boundary). The latest date found becomes
// ValidUntil; an expired ValidUntil forces Available=false.
func ParseAvailability(text string, now time.Time) Availability {
	text = strings.TrimSpace(text)
	if text == "" {
		return Availability{Available: true}
	}

	out := Availability{Available: true, Text: text}

	lower := strings.ToLower(text)
	for _, indicator := range unavailableIndicators {
		if strings.Contains(lower, indicator) {
			out.Available = false
			break
		}
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var latest time.Time
	for _, m := range dateRe.FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}

		var year int
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		} else {
			year = inferYear(day, month, today)
		}

		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
		if d.Day() != day || d.Month() != time.Month(month) {
			// time.Date normalized an impossible date like 31.02.
			continue
		}
		if d.After(latest) {
			latest = d
		}
	}

	if !latest.IsZero() {
		out.ValidUntil = &latest
		if latest.Before(today) {
			out.Available = false
		}
	}

	return out
}

// inferYear picks the year for a day.month date with no explicit year: the
// current year, unless that puts the date more than 30 days in the past.
func inferYear(day, month int, today time.Time) int {
	candidate := time.Date(today.Year(), time.Month(month), day, 0, 0, 0, 0, today.Location())
	if today.Sub(candidate) > 30*24*time.Hour {
		return today.Year() + 1
	}
	return today.Year()
}
