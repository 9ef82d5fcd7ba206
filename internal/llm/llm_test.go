package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firedesk/backend/internal/errs"
	"github.com/firedesk/backend/internal/models"
)

func TestParseAnalysisValid(t *testing.T) {
	content := "```json\n" + `{
		"detected_type": "claim",
		"language": "ru",
		"is_mixed": false,
		"sentiment": "негативный",
		"sentiment_confidence": 0.92,
		"summary": "Клиент требует вернуть платёж ⟦CARD:1⟧",
		"anomaly_flags": ["legal_threat"]
	}` + "\n```"

	res, err := parseAnalysis(content)
	require.NoError(t, err)
	require.Equal(t, models.TypeClaim, res.DetectedType)
	require.Equal(t, "RU", res.Language)
	require.Equal(t, models.SentimentNegative, res.Sentiment)
	require.Equal(t, 0.92, res.SentimentConfidence)
	require.Contains(t, res.Summary, "⟦CARD:1⟧")
	require.Equal(t, []string{"legal_threat"}, res.AnomalyFlags)
}

func TestParseAnalysisRejectsBadSchema(t *testing.T) {
	for _, content := range []string{
		"not json at all",
		`{"detected_type": "weird", "language": "RU", "sentiment": "neutral"}`,
		`{"detected_type": "claim", "language": "FR", "sentiment": "neutral"}`,
		`{"detected_type": "claim", "language": "RU", "sentiment": "confused"}`,
		`{"detected_type": "claim", "language": "RU", "sentiment": "neutral", "sentiment_confidence": 1.5}`,
	} {
		_, err := parseAnalysis(content)
		require.Error(t, err, "content: %s", content)
		var tr *errs.TransientError
		require.ErrorAs(t, err, &tr, "schema violations must be transient: %s", content)
	}
}

func TestNormalizeType(t *testing.T) {
	for raw, want := range map[string]models.TicketType{
		"Жалоба":                          models.TypeComplaint,
		"смена данных":                    models.TypeDataChange,
		"fraud":                           models.TypeFraud,
		"Неработоспособность приложения":  models.TypeOutage,
		"SPAM":                            models.TypeSpam,
		"что-то другое":                   "",
	} {
		require.Equal(t, want, NormalizeType(raw), "raw %q", raw)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	require.Equal(t, "RU", NormalizeLanguage("rus"))
	require.Equal(t, "KZ", NormalizeLanguage(" kaz "))
	require.Equal(t, "EN", NormalizeLanguage("english"))
	require.Equal(t, "UZ", NormalizeLanguage("uz"))
}

func TestMockAnalyzerIsDeterministic(t *testing.T) {
	m := MockAnalyzer{ModelVersion: "mock-v1"}
	in := Input{Text: "какой-то текст обращения"}
	a, err := m.Analyze(context.Background(), in)
	require.NoError(t, err)
	b, err := m.Analyze(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
