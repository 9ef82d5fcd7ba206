package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/firedesk/backend/internal/errs"
)

const analysisPrompt = `You are a ticket classification system for a financial broker support desk.
Analyze the support ticket below and answer with ONLY a JSON object.

TICKET TEXT:
%s

CLIENT AGE: %s
CLIENT SEGMENT: %s
ATTACHMENTS: %s

Fields:
- "detected_type": one of "complaint", "data_change", "consultation", "claim", "outage", "fraud", "spam".
  Angry demands for money back are claims or complaints, never spam.
- "language": "RU", "KZ" or "EN" — the language of the substantive content.
- "is_mixed": true when the text mixes languages.
- "sentiment": "positive", "neutral" or "negative", with "sentiment_confidence" in [0,1].
- "summary": 1-2 sentences describing what the client needs. Keep any ⟦…⟧ placeholders exactly as written.
- "anomaly_flags": array of strings for anything unusual (threats, legal escalation, suspected account takeover); [] when none.`

// HTTPAnalyzer talks to an OpenAI-compatible chat completions endpoint.
type HTTPAnalyzer struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(a.BaseURL) == "" {
		return Result{}, errs.Permanent("LLM_BASE_URL is not set")
	}
	if strings.TrimSpace(a.Model) == "" {
		return Result{}, errs.Permanent("LLM_MODEL is not set")
	}

	age := "unknown"
	if in.Age != nil {
		age = fmt.Sprint(*in.Age)
	}
	attachments := "none"
	if len(in.Attachments) > 0 {
		attachments = strings.Join(in.Attachments, ", ")
	}
	prompt := fmt.Sprintf(analysisPrompt, in.Text, age, in.Segment, attachments)

	payload := struct {
		Model       string        `json:"model"`
		Temperature float64       `json:"temperature"`
		Messages    []chatMessage `json:"messages"`
	}{
		Model:    a.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(a.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, errs.Transient("llm request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, errs.ClassifyHTTPStatus(resp.StatusCode, string(detail))
	}

	var res struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, errs.Transient("llm response body: %v", err)
	}
	if len(res.Choices) == 0 {
		return Result{}, errs.Transient("llm response has no choices")
	}
	out, err := parseAnalysis(res.Choices[0].Message.Content)
	if err != nil {
		return Result{}, err
	}
	out.Model = a.Model
	return out, nil
}

// parseAnalysis validates the model answer against the expected schema.
// Schema violations are transient: the retry budget gives the model
// another chance before the runner records a permanent failure.
func parseAnalysis(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw struct {
		DetectedType        string   `json:"detected_type"`
		Language            string   `json:"language"`
		IsMixed             bool     `json:"is_mixed"`
		Sentiment           string   `json:"sentiment"`
		SentimentConfidence float64  `json:"sentiment_confidence"`
		Summary             string   `json:"summary"`
		AnomalyFlags        []string `json:"anomaly_flags"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return Result{}, errs.Transient("llm answer is not valid JSON: %v", err)
	}

	detected := NormalizeType(raw.DetectedType)
	if detected == "" {
		return Result{}, errs.Transient("llm returned unknown type %q", raw.DetectedType)
	}
	sentiment := NormalizeSentiment(raw.Sentiment)
	if sentiment == "" {
		return Result{}, errs.Transient("llm returned unknown sentiment %q", raw.Sentiment)
	}
	lang := NormalizeLanguage(raw.Language)
	if lang != "RU" && lang != "KZ" && lang != "EN" {
		return Result{}, errs.Transient("llm returned unknown language %q", raw.Language)
	}
	if raw.SentimentConfidence < 0 || raw.SentimentConfidence > 1 {
		return Result{}, errs.Transient("sentiment_confidence out of range: %f", raw.SentimentConfidence)
	}

	return Result{
		DetectedType:        detected,
		Language:            lang,
		LanguageIsMixed:     raw.IsMixed,
		Sentiment:           sentiment,
		SentimentConfidence: raw.SentimentConfidence,
		Summary:             raw.Summary,
		AnomalyFlags:        raw.AnomalyFlags,
	}, nil
}

var _ Analyzer = (*HTTPAnalyzer)(nil)
