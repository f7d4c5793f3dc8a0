// Package vision builds the analysis prompt, dispatches it with rendered
// imagery to one of the interchangeable vision-model backends, and recovers
// a structured verdict from the model's free-form response.
package vision

import (
	"context"
	"errors"
)

// ErrNoAPIKey is the hard error for a validate call with no usable backend
// credential. Its text is part of the external contract.
var ErrNoAPIKey = errors.New("No vision API key provided")

// Image is a base64-encoded image handed to a backend.
type Image struct {
	MediaType string
	Data      string
}

// Backend is the single capability every vision provider implements: given
// prompt text and images, return response text and a token count. Backends
// report 0 tokens when usage is unavailable.
type Backend interface {
	Name() string
	Analyze(ctx context.Context, prompt string, images []Image) (string, int, error)
}

// Keys carries per-request backend credentials. Empty fields fall back to
// ambient configuration.
type Keys struct {
	Anthropic string
	OpenAI    string
}
