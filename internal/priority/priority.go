package priority

import (
	"math"
	"strings"

	"github.com/firedesk/backend/internal/config"
	"github.com/firedesk/backend/internal/models"
)

// BatchContext carries the per-batch facts the scorer needs beyond the
// ticket itself: how many rows the batch has (FIFO bonus) and how often
// each customer GUID appears (repeat-client component).
type BatchContext struct {
	TotalRows  int
	GUIDCounts map[string]int
}

func BuildGUIDCounts(tickets []models.Ticket) map[string]int {
	counts := map[string]int{}
	for _, t := range tickets {
		if g := strings.TrimSpace(t.CustomerGUID); g != "" {
			counts[g]++
		}
	}
	return counts
}

// Score is the deterministic priority function. All component functions
// map into [0,1]; the weighted base lands in [0,10], bounded extras are
// added on top, and the result is clamped to [1,10] with a floor of 8
// for fraud.
func Score(p config.Policies, t models.Ticket, a models.Analysis, bc BatchContext) (base, extra, final float64, breakdown map[string]float64) {
	segScore := p.SegmentScores[t.Segment]
	typeScore := p.TypeScores[a.DetectedType]
	sentScore := p.SentimentScores[a.Sentiment]
	ageScore := ageComponent(t.Age)
	repeatScore := repeatComponent(bc.GUIDCounts[strings.TrimSpace(t.CustomerGUID)])

	base = 10 * (p.WeightSegment*segScore +
		p.WeightType*typeScore +
		p.WeightSentiment*sentScore +
		p.WeightAge*ageScore +
		p.WeightRepeat*repeatScore)

	fifo := fifoBonus(t.CSVRowIndex, bc.TotalRows)
	expansion := 0.0
	if country := strings.TrimSpace(t.Country); country != "" &&
		p.ExpansionCountries[country] && !strings.EqualFold(country, p.HomeCountry) {
		expansion = 1.0
	}
	youngVIP := 0.0
	if t.Segment == models.SegmentVIP && t.Age != nil && *t.Age < 30 {
		youngVIP = 1.0
	}
	extra = fifo + expansion + youngVIP

	final = clamp(base+extra, 1.0, 10.0)
	fraudFloor := 0.0
	if a.DetectedType == models.TypeFraud && final < 8.0 {
		final = 8.0
		fraudFloor = 1.0
	}

	breakdown = map[string]float64{
		"segment":     round3(p.WeightSegment * segScore * 10),
		"type":        round3(p.WeightType * typeScore * 10),
		"sentiment":   round3(p.WeightSentiment * sentScore * 10),
		"age":         round3(p.WeightAge * ageScore * 10),
		"repeat":      round3(p.WeightRepeat * repeatScore * 10),
		"base":        round3(base),
		"fifo":        round3(fifo),
		"expansion":   expansion,
		"young_vip":   youngVIP,
		"extra_total": round3(extra),
		"fraud_floor": fraudFloor,
		"final":       round3(final),
	}
	return base, extra, final, breakdown
}

// ageComponent is the piecewise mapping: youngest and oldest clients rank
// higher, the middle band and unknown ages share a neutral value.
func ageComponent(age *int) float64 {
	switch {
	case age == nil:
		return 0.4
	case *age < 25:
		return 0.8
	case *age >= 60:
		return 0.9
	default:
		return 0.4
	}
}

func repeatComponent(count int) float64 {
	if count < 0 {
		count = 0
	}
	return math.Min(1, float64(count)/5)
}

// fifoBonus rewards earlier rows within the batch, linearly from 1 down
// to 0.
func fifoBonus(rowIndex, totalRows int) float64 {
	if totalRows <= 1 {
		return 1.0
	}
	b := 1.0 - float64(rowIndex)/float64(totalRows-1)
	return clamp(b, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
