package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/telewatch/telewatch/internal/model"
)

// leadingTimestampPatterns strips common log-line timestamp prefixes before
// a context line is sent to the advisor: the advisor is shown the same
// window repeatedly as a source scrolls, and the timestamp is exactly the
// part that never helps it judge severity, only costs tokens.
var leadingTimestampPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}([.,]\d+)?(Z|[+-]\d{2}:?\d{2})?\s+`),
	regexp.MustCompile(`^\d{2}:\d{2}:\d{2}([.,]\d+)?\s+`),
	regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}\]\s+`),
	regexp.MustCompile(`^\d{10,13}\s+`),
}

func stripLeadingTimestamp(line string) string {
	for _, re := range leadingTimestampPatterns {
		line = re.ReplaceAllString(line, "")
	}
	return line
}

const defaultAnthropicURL = "https://api.anthropic.com/v1/messages"

const systemPrompt = `You triage application log lines for an operator watching a terminal.
Given one log record and a few lines of context from the same source, respond with a single
JSON object and nothing else: {"severity": "info"|"warning"|"critical", "summary": "<=280 chars",
"generated_pattern": "<optional regexp matching this message's structural shape>"}.
Keep summary terse and specific to this message; omit generated_pattern unless you are
confident the shape recurs.`

type classifyResponse struct {
	Severity         string `json:"severity"`
	Summary          string `json:"summary"`
	GeneratedPattern string `json:"generated_pattern,omitempty"`
}

// Client is an Anthropic Messages API-backed Advisor. It tracks the
// provider's own throttle/exhaustion signals (a 429 degrades the advisor
// for 60s, a quota-exhaustion error takes it offline for the rest of the
// calendar day) independently of the classifier's own call budget.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string

	mu             sync.Mutex
	throttledUntil time.Time
	exhaustedUntil time.Time
}

// NewClient builds a Client for the given provider credentials. provider is
// currently ignored beyond logging, since Anthropic's Messages API is the
// one wire format implemented; a different provider needs its own Advisor.
func NewClient(provider, apiKey, model string) *Client {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	slog.Info("advisor client configured", "provider", provider, "model", model)
	return &Client{
		httpClient: &http.Client{Timeout: Deadline},
		baseURL:    defaultAnthropicURL,
		apiKey:     apiKey,
		model:      model,
	}
}

// Quota reports the advisor's current degradation state without a network
// call.
func (c *Client) Quota() QuotaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Before(c.exhaustedUntil) {
		return QuotaExhausted
	}
	if now.Before(c.throttledUntil) {
		return QuotaThrottled
	}
	return QuotaOK
}

// Classify asks the advisor to classify rec given its preceding context
// window, within the package-wide Deadline.
func (c *Client) Classify(ctx context.Context, rec model.LogRecord, ctxWindow []model.LogRecord) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	req, err := c.buildRequest(ctx, rec, ctxWindow)
	if err != nil {
		return Result{}, fmt.Errorf("advisor: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("advisor: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		c.mu.Lock()
		c.throttledUntil = time.Now().Add(60 * time.Second)
		c.mu.Unlock()
		return Result{}, fmt.Errorf("advisor: throttled (429): %s", body)
	case http.StatusPaymentRequired, http.StatusForbidden:
		c.mu.Lock()
		c.exhaustedUntil = endOfDay(time.Now())
		c.mu.Unlock()
		return Result{}, fmt.Errorf("advisor: quota exhausted (%d): %s", resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("advisor: status %d: %s", resp.StatusCode, body)
	}

	text, err := extractText(body)
	if err != nil {
		return Result{}, err
	}
	return parseClassification(text)
}

func (c *Client) buildRequest(ctx context.Context, rec model.LogRecord, ctxWindow []model.LogRecord) (*http.Request, error) {
	var sb strings.Builder
	for _, prior := range ctxWindow {
		sb.WriteString(stripLeadingTimestamp(prior.Raw))
		sb.WriteByte('\n')
	}
	sb.WriteString("---\n")
	sb.WriteString(stripLeadingTimestamp(rec.Raw))

	payload := map[string]any{
		"model":      c.model,
		"max_tokens": 512,
		"system":     systemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": sb.String()},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")
	return req, nil
}

func extractText(body []byte) (string, error) {
	var apiResp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("advisor: unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("advisor: api error: %s", apiResp.Error.Message)
	}
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("advisor: no text block in response")
}

func parseClassification(text string) (Result, error) {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("advisor: no JSON object in response: %q", text)
	}

	var cr classifyResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &cr); err != nil {
		return Result{}, fmt.Errorf("advisor: unmarshal classification: %w", err)
	}

	severity := model.Severity(strings.ToLower(strings.TrimSpace(cr.Severity)))
	switch severity {
	case model.SeverityInfo, model.SeverityWarning, model.SeverityCritical:
	default:
		return Result{}, fmt.Errorf("advisor: unrecognized severity %q", cr.Severity)
	}

	summary := cr.Summary
	if len(summary) > 280 {
		summary = summary[:280]
	}
	return Result{Severity: severity, Summary: summary, GeneratedPattern: cr.GeneratedPattern}, nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}
