package vision

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIBackend_Analyze(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"verdict\":\"pass\"}"}}],"usage":{"total_tokens":77}}`))
	}))
	defer ts.Close()

	backend := NewOpenAIBackend("sk-test", "gpt-4o", WithOpenAIBaseURL(ts.URL))
	text, tokens, err := backend.Analyze(context.Background(), "check this part", []Image{
		{MediaType: "image/jpeg", Data: "aW1n"},
	})
	if err != nil {
		t.Fatalf("Analyze error: %v", err)
	}
	if tokens != 77 {
		t.Errorf("tokens = %d, want 77", tokens)
	}
	if !strings.Contains(text, "pass") {
		t.Errorf("text = %q", text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	// The single user message must carry the text part plus a data-URL image.
	msgs := gotBody["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content parts = %d, want 2", len(content))
	}
	img := content[1].(map[string]any)
	url := img["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("image url = %q, want embedded data URL", url)
	}
}

func TestOpenAIBackend_Analyze_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad key"}}`))
	}))
	defer ts.Close()

	backend := NewOpenAIBackend("bad", "gpt-4o", WithOpenAIBaseURL(ts.URL))
	_, _, err := backend.Analyze(context.Background(), "p", nil)
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Errorf("error %q does not carry the API message", err)
	}
}

func TestOpenAIBackend_Analyze_MissingUsageReportsZero(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	backend := NewOpenAIBackend("sk", "gpt-4o", WithOpenAIBaseURL(ts.URL))
	_, tokens, err := backend.Analyze(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("Analyze error: %v", err)
	}
	if tokens != 0 {
		t.Errorf("tokens = %d, want 0 when usage is absent", tokens)
	}
}
