package priority

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firedesk/backend/internal/config"
	"github.com/firedesk/backend/internal/models"
)

func intPtr(v int) *int { return &v }

func TestFraudFloor(t *testing.T) {
	p := config.Defaults()
	ticket := models.Ticket{Segment: models.SegmentMass, Age: intPtr(40), CSVRowIndex: 0, CustomerGUID: "g1"}
	analysis := models.Analysis{DetectedType: models.TypeFraud, Sentiment: models.SentimentNegative}
	bc := BatchContext{TotalRows: 1, GUIDCounts: map[string]int{}}

	_, _, final, breakdown := Score(p, ticket, analysis, bc)
	require.GreaterOrEqual(t, final, 8.0)
	require.Equal(t, 1.0, breakdown["fraud_floor"])
}

func TestFinalStaysInRange(t *testing.T) {
	p := config.Defaults()
	bc := BatchContext{TotalRows: 2, GUIDCounts: map[string]int{"g": 10}}

	low := models.Ticket{Segment: models.SegmentMass, CSVRowIndex: 1}
	lowA := models.Analysis{DetectedType: models.TypeSpam, Sentiment: models.SentimentPositive}
	_, _, final, _ := Score(p, low, lowA, bc)
	require.GreaterOrEqual(t, final, 1.0)

	high := models.Ticket{Segment: models.SegmentVIP, Age: intPtr(20), CSVRowIndex: 0, CustomerGUID: "g", Country: "Узбекистан"}
	highA := models.Analysis{DetectedType: models.TypeFraud, Sentiment: models.SentimentNegative}
	_, _, final, _ = Score(p, high, highA, bc)
	require.LessOrEqual(t, final, 10.0)
}

func TestYoungVIPBonus(t *testing.T) {
	p := config.Defaults()
	bc := BatchContext{TotalRows: 1, GUIDCounts: map[string]int{}}
	a := models.Analysis{DetectedType: models.TypeConsultation, Sentiment: models.SentimentNeutral}

	young := models.Ticket{Segment: models.SegmentVIP, Age: intPtr(25)}
	older := models.Ticket{Segment: models.SegmentVIP, Age: intPtr(35)}

	_, _, _, youngBD := Score(p, young, a, bc)
	_, _, _, olderBD := Score(p, older, a, bc)
	require.Equal(t, 1.0, youngBD["young_vip"])
	require.Equal(t, 0.0, olderBD["young_vip"])
}

func TestExpansionCountryBonus(t *testing.T) {
	p := config.Defaults()
	bc := BatchContext{TotalRows: 1, GUIDCounts: map[string]int{}}
	a := models.Analysis{DetectedType: models.TypeConsultation, Sentiment: models.SentimentNeutral}

	foreign := models.Ticket{Segment: models.SegmentMass, Country: "Узбекистан"}
	home := models.Ticket{Segment: models.SegmentMass, Country: "Казахстан"}

	_, _, _, foreignBD := Score(p, foreign, a, bc)
	_, _, _, homeBD := Score(p, home, a, bc)
	require.Equal(t, 1.0, foreignBD["expansion"])
	require.Equal(t, 0.0, homeBD["expansion"])
}

func TestFIFOBonusFavoursEarlierRows(t *testing.T) {
	p := config.Defaults()
	bc := BatchContext{TotalRows: 10, GUIDCounts: map[string]int{}}
	a := models.Analysis{DetectedType: models.TypeConsultation, Sentiment: models.SentimentNeutral}

	first := models.Ticket{Segment: models.SegmentMass, CSVRowIndex: 0}
	last := models.Ticket{Segment: models.SegmentMass, CSVRowIndex: 9}

	_, _, _, firstBD := Score(p, first, a, bc)
	_, _, _, lastBD := Score(p, last, a, bc)
	require.Equal(t, 1.0, firstBD["fifo"])
	require.Equal(t, 0.0, lastBD["fifo"])
}

func TestRepeatClientComponent(t *testing.T) {
	require.Equal(t, 0.0, repeatComponent(0))
	require.Equal(t, 0.4, repeatComponent(2))
	require.Equal(t, 1.0, repeatComponent(5))
	require.Equal(t, 1.0, repeatComponent(9))
}

func TestScoreIsDeterministic(t *testing.T) {
	p := config.Defaults()
	ticket := models.Ticket{Segment: models.SegmentPriority, Age: intPtr(61), CSVRowIndex: 3, CustomerGUID: "abc"}
	analysis := models.Analysis{DetectedType: models.TypeClaim, Sentiment: models.SentimentNegative}
	bc := BatchContext{TotalRows: 7, GUIDCounts: map[string]int{"abc": 3}}

	_, _, f1, b1 := Score(p, ticket, analysis, bc)
	_, _, f2, b2 := Score(p, ticket, analysis, bc)
	require.Equal(t, f1, f2)
	require.Equal(t, b1, b2)
}

func TestBuildGUIDCounts(t *testing.T) {
	tickets := []models.Ticket{
		{CustomerGUID: "a"}, {CustomerGUID: "a"}, {CustomerGUID: "b"}, {CustomerGUID: " "},
	}
	counts := BuildGUIDCounts(tickets)
	require.Equal(t, map[string]int{"a": 2, "b": 1}, counts)
}
