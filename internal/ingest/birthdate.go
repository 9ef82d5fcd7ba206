package ingest

import (
	"strconv"
	"strings"
	"time"
)

var birthDateLayouts = []string{
	"02.01.2006",
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
}

// ParseBirthDate accepts the messy date spellings seen in real uploads:
// the four common layouts, optional time suffixes, and loose
// digit-group permutations. Unparseable input yields nil, never an
// error; future dates are discarded.
func ParseBirthDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	now := time.Now().UTC()

	for _, layout := range birthDateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			if parsed.After(now) {
				return nil
			}
			return &parsed
		}
	}

	// Loose fallback: pick a plausible year, month and day out of the
	// digit groups in whatever order they appear.
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '.' || r == '/' || r == '-'
	})
	year, month, day := 0, 0, 1
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		switch {
		case n > 1900 && year == 0:
			year = n
		case n >= 1 && n <= 12 && month == 0:
			month = n
		case n >= 1 && n <= 31 && day == 1:
			day = n
		}
	}
	if year == 0 || year > now.Year() {
		return nil
	}
	if month == 0 {
		month = 1
	}
	for day > 28 {
		candidate := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if candidate.Day() == day {
			break
		}
		day--
	}
	parsed := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if parsed.After(now) {
		return nil
	}
	return &parsed
}

// AgeAt computes full years between birth date and the reference time.
func AgeAt(birth time.Time, at time.Time) int {
	age := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
