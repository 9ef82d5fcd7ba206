package spam

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the spam stage outcome.
type Verdict struct {
	IsSpam      bool
	Probability float64
	Reason      string
}

// Classifier is the external spam model port.
type Classifier interface {
	Classify(ctx context.Context, text string) (isSpam bool, probability float64, err error)
}

var (
	urlRe       = regexp.MustCompile(`(?i)https?://\S+|www\.\S+`)
	safelinksRe = regexp.MustCompile(`(?i)safelinks\.protection\.outlook`)
	invisibleRe = regexp.MustCompile(`[\x{2800}-\x{28FF}\x{200B}\x{200C}\x{200D}\x{FEFF}\x{00A0}]`)
	promoRe     = regexp.MustCompile(`(?i)скидк|акци[яи]|промокод|распродаж|бесплатн|предложени|` +
		`sale|discount|promo|free|offer|buy now|limited|` +
		`реклам|оптов|со склад|доставк|заказ|регистрац|` +
		`минимальный заказ|специальные цены|выгодное предложение|купи`)
	strongPromoRe = regexp.MustCompile(`(?i)buy now|купи сейчас|купите сейчас|жми на ссылку|перейди по ссылке|только сегодня`)
	exclaimRe     = regexp.MustCompile(`!{3,}`)
	spacesRe      = regexp.MustCompile(`\s+`)
)

// Filter is the two-layer spam check: cheap structural heuristics first,
// the external classifier only for the ambiguous band. Combined score is
// model*0.4 + structural*0.6 against the configured threshold.
type Filter struct {
	Classifier Classifier
	Threshold  float64
}

const structuralOverride = 0.7

func (f *Filter) Check(ctx context.Context, text string) (Verdict, error) {
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}

	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return Verdict{IsSpam: true, Probability: 1.0, Reason: "empty body"}, nil
	}
	if len([]rune(stripped)) < 3 {
		return Verdict{IsSpam: true, Probability: 1.0, Reason: fmt.Sprintf("too short (%d chars)", len([]rune(stripped)))}, nil
	}

	score, signals := structuralScore(stripped)
	if score >= structuralOverride {
		return Verdict{
			IsSpam:      true,
			Probability: score,
			Reason:      fmt.Sprintf("structural override: %.2f [%s]", score, strings.Join(signals, ", ")),
		}, nil
	}

	cleaned := cleanForModel(stripped)
	if len([]rune(cleaned)) < 3 {
		if score >= 0.5 {
			return Verdict{
				IsSpam:      true,
				Probability: score,
				Reason:      fmt.Sprintf("structural spam, nothing left after cleaning [%s]", strings.Join(signals, ", ")),
			}, nil
		}
		return Verdict{Probability: score, Reason: "cleaned text empty, low structural score"}, nil
	}

	if f.Classifier == nil {
		return Verdict{
			IsSpam:      score >= threshold,
			Probability: score,
			Reason:      fmt.Sprintf("structural only: %.2f [%s]", score, strings.Join(signals, ", ")),
		}, nil
	}

	_, modelProb, err := f.Classifier.Classify(ctx, cleaned)
	if err != nil {
		return Verdict{}, err
	}

	combined := modelProb*0.4 + score*0.6
	if combined > 1 {
		combined = 1
	}
	sig := "none"
	if len(signals) > 0 {
		sig = strings.Join(signals, ", ")
	}
	return Verdict{
		IsSpam:      combined >= threshold,
		Probability: combined,
		Reason:      fmt.Sprintf("model=%.3f struct=%.2f [%s] combined=%.3f", modelProb, score, sig, combined),
	}, nil
}

// structuralScore accumulates cheap signals: URL density, SafeLinks
// rewrites, invisible padding (Braille range, zero-width, NBSP) and
// promo keywords.
func structuralScore(text string) (float64, []string) {
	var signals []string
	score := 0.0
	n := len(text)
	if n == 0 {
		n = 1
	}

	urls := urlRe.FindAllString(text, -1)
	if len(urls) > 0 {
		urlChars := 0
		for _, u := range urls {
			urlChars += len(u)
		}
		density := float64(urlChars) / float64(n)
		switch {
		case density > 0.3:
			score += 0.3
			signals = append(signals, fmt.Sprintf("url_density=%.0f%%", density*100))
		case len(urls) >= 2:
			score += 0.15
			signals = append(signals, fmt.Sprintf("urls=%d", len(urls)))
		default:
			score += 0.05
			signals = append(signals, fmt.Sprintf("urls=%d", len(urls)))
		}
	}

	if safelinksRe.MatchString(text) {
		score += 0.3
		signals = append(signals, "safelinks")
	}

	invisible := len(invisibleRe.FindAllString(text, -1))
	if invisible > 5 {
		score += 0.5
		signals = append(signals, fmt.Sprintf("invisible_chars=%d", invisible))
	} else if invisible > 0 {
		score += 0.1
		signals = append(signals, fmt.Sprintf("invisible_chars=%d", invisible))
	}

	promo := len(promoRe.FindAllString(text, -1))
	if promo >= 3 {
		score += 0.4
		signals = append(signals, fmt.Sprintf("promo_keywords=%d", promo))
	} else if promo >= 1 {
		score += 0.1
		signals = append(signals, fmt.Sprintf("promo_keywords=%d", promo))
	}

	if strongPromoRe.MatchString(text) {
		score += 0.4
		signals = append(signals, "strong_promo_phrase")
	}

	if exclaimRe.MatchString(text) {
		score += 0.2
		signals = append(signals, "exclamation_run")
	}

	if upper, letters := caseCounts(text); letters >= 6 && float64(upper)/float64(letters) >= 0.6 {
		score += 0.3
		signals = append(signals, "all_caps")
	}

	if score > 1 {
		score = 1
	}
	return score, signals
}

func caseCounts(text string) (upper, letters int) {
	for _, r := range text {
		switch {
		case r >= 'A' && r <= 'Z' || r >= 'А' && r <= 'Я':
			upper++
			letters++
		case r >= 'a' && r <= 'z' || r >= 'а' && r <= 'я':
			letters++
		}
	}
	return upper, letters
}

func cleanForModel(text string) string {
	text = urlRe.ReplaceAllString(text, " ")
	text = invisibleRe.ReplaceAllString(text, "")
	return strings.TrimSpace(spacesRe.ReplaceAllString(text, " "))
}
