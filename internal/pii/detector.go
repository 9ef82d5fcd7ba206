package pii

import (
	"regexp"
	"strings"

	"github.com/firedesk/backend/internal/models"
)

// Detection is one PII occurrence found in the input text. token is
// assigned by the vault during scrubbing.
type Detection struct {
	Start int
	End   int
	Value string
	Kind  models.PIIKind

	token string
}

// Detector finds PII spans in free text. The regex implementation below
// is the default; an NER-backed detector can be swapped in through the
// same interface.
type Detector interface {
	Detect(text string) []Detection
}

var (
	iinRe   = regexp.MustCompile(`(\d[\s-]?){11}\d`)
	phoneRe = regexp.MustCompile(`(\+7|8)[\s-]?\(?\d{3}\)?[\s-]?\d{3}[\s-]?\d{2}[\s-]?\d{2}`)
	cardRe  = regexp.MustCompile(`\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)

	separatorRe = regexp.MustCompile(`[\s-]`)
)

type RegexDetector struct{}

func NewRegexDetector() RegexDetector {
	return RegexDetector{}
}

// Detect runs the kind patterns in fixed precedence (IIN before CARD so
// a 12-digit run is not half-claimed as a card) and discards overlaps.
func (RegexDetector) Detect(text string) []Detection {
	if text == "" {
		return nil
	}
	var out []Detection
	for _, p := range []struct {
		re    *regexp.Regexp
		kind  models.PIIKind
		valid func(string) bool
	}{
		{iinRe, models.PIINationalID, digitsExactly(12)},
		{phoneRe, models.PIIPhone, nil},
		{cardRe, models.PIICard, digitsExactly(16)},
		{emailRe, models.PIIEmail, nil},
	} {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if p.valid != nil && !p.valid(value) {
				continue
			}
			// Go regexp has no lookarounds; reject digit runs that
			// continue past the match (an IIN inside a card number).
			if p.kind == models.PIINationalID || p.kind == models.PIICard {
				if digitAt(text, loc[0]-1) || digitAt(text, loc[1]) {
					continue
				}
			}
			if overlaps(loc[0], loc[1], out) {
				continue
			}
			out = append(out, Detection{Start: loc[0], End: loc[1], Value: value, Kind: p.kind})
		}
	}
	return out
}

func digitsExactly(n int) func(string) bool {
	return func(raw string) bool {
		return len(separatorRe.ReplaceAllString(raw, "")) == n
	}
}

func digitAt(text string, i int) bool {
	return i >= 0 && i < len(text) && text[i] >= '0' && text[i] <= '9'
}

func overlaps(start, end int, existing []Detection) bool {
	for _, d := range existing {
		if start < d.End && end > d.Start {
			return true
		}
	}
	return false
}

func replaceAll(text, token, value string) string {
	return strings.ReplaceAll(text, token, value)
}
