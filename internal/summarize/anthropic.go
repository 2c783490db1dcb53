package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"commonplace/api/internal/store"
)

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// Anthropic generates summary prose via the Anthropic messages API.
type Anthropic struct {
	apiKey string
	model  string
	client *http.Client
}

func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Anthropic) SummarizeSession(ctx context.Context, entries []store.Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Below are notebook entries one author wrote in a single working session. ")
	sb.WriteString("Write a short third-person summary (2-4 sentences) of what they worked through. ")
	sb.WriteString("Refer to the author by pseudonym. Return only the summary text.\n\n")
	sb.WriteString("Author: " + entries[0].AuthorPseudonym + "\n\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", e.CreatedAt.UTC().Format(time.RFC3339), e.Content)
	}
	return a.callAPI(ctx, sb.String())
}

func (a *Anthropic) SummarizeDay(ctx context.Context, date time.Time, entries []store.Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Below are all notebook entries published on %s by several authors. ", date.UTC().Format("2006-01-02"))
	sb.WriteString("Write a daily digest (3-6 sentences) capturing the main threads of the day. ")
	sb.WriteString("Refer to authors by pseudonym. Return only the digest text.\n\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s at %s]\n%s\n\n", e.AuthorPseudonym, e.CreatedAt.UTC().Format("15:04"), e.Content)
	}
	return a.callAPI(ctx, sb.String())
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Anthropic) callAPI(ctx context.Context, prompt string) (string, error) {
	if a.apiKey == "" {
		return "", fmt.Errorf("anthropic api key not configured")
	}

	reqBody := apiRequest{
		Model:     a.model,
		MaxTokens: 1024,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPI, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("api error: %s", apiResp.Error.Message)
	}

	if len(apiResp.Content) == 0 {
		return "", nil
	}

	return strings.TrimSpace(apiResp.Content[0].Text), nil
}
