package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicOption configures the Anthropic backend.
type AnthropicOption func(*AnthropicBackend)

// WithAnthropicBaseURL sets a custom base URL.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(b *AnthropicBackend) {
		b.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithAnthropicHTTPClient sets a custom HTTP client.
func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(b *AnthropicBackend) {
		b.httpClient = client
	}
}

// AnthropicBackend calls the Anthropic Messages API with vision content.
type AnthropicBackend struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicBackend creates a backend for the given key and model.
func NewAnthropicBackend(apiKey, model string, opts ...AnthropicOption) *AnthropicBackend {
	b := &AnthropicBackend{
		apiKey:  apiKey,
		model:   model,
		baseURL: anthropicBaseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// Anthropic Messages API request/response shapes, reduced to what the
// analysis call needs.

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicContentPart `json:"content"`
}

type anthropicContentPart struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze sends the prompt and images as one user message and returns the
// concatenated text content plus total token usage.
func (b *AnthropicBackend) Analyze(ctx context.Context, prompt string, images []Image) (string, int, error) {
	content := make([]anthropicContentPart, 0, len(images)+1)
	for _, img := range images {
		content = append(content, anthropicContentPart{
			Type: "image",
			Source: &anthropicImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	content = append(content, anthropicContentPart{Type: "text", Text: prompt})

	reqBody := anthropicRequest{
		Model:     b.model,
		MaxTokens: 2048,
		Messages:  []anthropicMessage{{Role: "user", Content: content}},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != nil {
			return "", 0, fmt.Errorf("anthropic API error: %s: %s", apiErr.Error.Type, apiErr.Error.Message)
		}
		return "", 0, fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result anthropicResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	tokens := result.Usage.InputTokens + result.Usage.OutputTokens
	return text.String(), tokens, nil
}
