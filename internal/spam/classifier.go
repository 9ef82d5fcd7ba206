package spam

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/firedesk/backend/internal/errs"
)

// HTTPClassifier calls an external spam model over HTTP.
type HTTPClassifier struct {
	BaseURL string
	Client  *http.Client
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (bool, float64, error) {
	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return false, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, 0, errs.Transient("spam classifier: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, 0, errs.ClassifyHTTPStatus(resp.StatusCode, string(detail))
	}

	var out struct {
		IsSpam      bool    `json:"is_spam"`
		Probability float64 `json:"probability"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, 0, errs.Transient("spam classifier body: %v", err)
	}
	return out.IsSpam, out.Probability, nil
}

// KeywordClassifier is the offline stand-in used when no classifier URL
// is configured. Scores promo vocabulary density only; the structural
// layer already covers the rest.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(_ context.Context, text string) (bool, float64, error) {
	hits := len(promoRe.FindAllString(text, -1))
	if strongPromoRe.MatchString(text) {
		hits += 3
	}
	prob := float64(hits) * 0.25
	if prob > 1 {
		prob = 1
	}
	return prob >= 0.5, prob, nil
}

var (
	_ Classifier = (*HTTPClassifier)(nil)
	_ Classifier = KeywordClassifier{}
)
