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

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIOption configures the OpenAI backend.
type OpenAIOption func(*OpenAIBackend)

// WithOpenAIBaseURL sets a custom base URL.
func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(b *OpenAIBackend) {
		b.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithOpenAIHTTPClient sets a custom HTTP client.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(b *OpenAIBackend) {
		b.httpClient = client
	}
}

// OpenAIBackend calls the OpenAI Chat Completions API with vision content.
type OpenAIBackend struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIBackend creates a backend for the given key and model.
func NewOpenAIBackend(apiKey, model string, opts ...OpenAIOption) *OpenAIBackend {
	b := &OpenAIBackend{
		apiKey:  apiKey,
		model:   model,
		baseURL: openaiBaseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *OpenAIBackend) Name() string { return "openai" }

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string              `json:"role"`
	Content []openaiContentPart `json:"content"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiErrorResponse struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze sends the prompt and images as one user message, embedding the
// images as data URLs, and returns the first choice's text plus total token
// usage.
func (b *OpenAIBackend) Analyze(ctx context.Context, prompt string, images []Image) (string, int, error) {
	content := make([]openaiContentPart, 0, len(images)+1)
	content = append(content, openaiContentPart{Type: "text", Text: prompt})
	for _, img := range images {
		content = append(content, openaiContentPart{
			Type: "image_url",
			ImageURL: &openaiImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
			},
		})
	}

	reqBody := openaiRequest{
		Model:     b.model,
		MaxTokens: 2048,
		Messages:  []openaiMessage{{Role: "user", Content: content}},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

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
		var apiErr openaiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != nil {
			return "", 0, fmt.Errorf("openai API error: %s: %s", apiErr.Error.Type, apiErr.Error.Message)
		}
		return "", 0, fmt.Errorf("openai API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result openaiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", result.Usage.TotalTokens, fmt.Errorf("openai response contained no choices")
	}
	return result.Choices[0].Message.Content, result.Usage.TotalTokens, nil
}
