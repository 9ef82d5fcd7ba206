package llm

import (
	"context"
	"fmt"

	"github.com/firedesk/backend/internal/models"
	"github.com/firedesk/backend/internal/utils"
)

// MockAnalyzer produces deterministic answers keyed on the input text.
// Used when no LLM credentials are configured, mirroring the dev setup.
type MockAnalyzer struct {
	ModelVersion string
}

func (m MockAnalyzer) Analyze(_ context.Context, in Input) (Result, error) {
	h := utils.HashStringToUint64(in.Text)

	types := []models.TicketType{
		models.TypeConsultation, models.TypeComplaint, models.TypeClaim,
		models.TypeDataChange, models.TypeOutage, models.TypeFraud,
	}
	sentiments := []models.Sentiment{
		models.SentimentNeutral, models.SentimentNegative, models.SentimentPositive,
	}
	langs := []string{"RU", "KZ", "EN"}

	return Result{
		DetectedType:        types[h%uint64(len(types))],
		Language:            langs[(h/7)%uint64(len(langs))],
		Sentiment:           sentiments[(h/13)%uint64(len(sentiments))],
		SentimentConfidence: 0.7,
		Summary:             fmt.Sprintf("Auto-summary (%d chars)", len(in.Text)),
		Model:               m.ModelVersion,
	}, nil
}

var _ Analyzer = MockAnalyzer{}
