package llm

import (
	"context"
	"strings"

	"github.com/firedesk/backend/internal/models"
)

// Input is the scrubbed payload an analyzer may see. Description must
// already have PII replaced by vault tokens.
type Input struct {
	Text        string
	Age         *int
	Segment     models.Segment
	Attachments []string
}

// Result is the validated analyzer answer.
type Result struct {
	DetectedType        models.TicketType
	Language            string
	LanguageIsMixed     bool
	Sentiment           models.Sentiment
	SentimentConfidence float64
	Summary             string
	AnomalyFlags        []string
	Model               string
}

// Analyzer classifies one ticket. Implementations are responsible for
// schema validation; a malformed vendor answer surfaces as a transient
// error so the stage runner can spend its retry budget on it.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Result, error)
}

// NormalizeType folds vendor spellings (Russian labels included) onto
// the canonical ticket types.
func NormalizeType(value string) models.TicketType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "complaint", "жалоба":
		return models.TypeComplaint
	case "data_change", "data change", "смена данных", "смена_данных":
		return models.TypeDataChange
	case "consultation", "консультация":
		return models.TypeConsultation
	case "claim", "претензия":
		return models.TypeClaim
	case "outage", "technical issue", "неработоспособность приложения", "неработоспособность":
		return models.TypeOutage
	case "fraud", "мошеннические действия", "мошенничество":
		return models.TypeFraud
	case "spam", "спам":
		return models.TypeSpam
	default:
		return ""
	}
}

func NormalizeSentiment(value string) models.Sentiment {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "positive", "позитивный":
		return models.SentimentPositive
	case "neutral", "нейтральный":
		return models.SentimentNeutral
	case "negative", "негативный":
		return models.SentimentNegative
	default:
		return ""
	}
}

func NormalizeLanguage(value string) string {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "RU", "RUS", "RUSSIAN":
		return "RU"
	case "KZ", "KAZ", "KAZAKH":
		return "KZ"
	case "EN", "ENG", "ENGLISH":
		return "EN"
	default:
		return strings.ToUpper(strings.TrimSpace(value))
	}
}
