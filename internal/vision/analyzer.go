package vision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"partvision/internal/config"
	"partvision/internal/metrics"
)

// AssemblyMarker is the part name that switches the prompt to an
// assembly-level review.
const AssemblyMarker = "__assembly__"

// Request describes one analysis: what is being validated and against what.
type Request struct {
	Part        string
	Description string
	Focus       string
	Checks      []string
	Keys        Keys
}

// Analyzer builds prompts and dispatches them to the selected backend.
type Analyzer struct {
	cfg    *config.Config
	logger *slog.Logger

	// newBackend is swapped out in tests.
	newBackend func(kind, key string) Backend

	codecOnce sync.Once
	codec     tokenizer.Codec
}

// NewAnalyzer creates an analyzer using ambient backend credentials from cfg
// as fallbacks for per-request keys.
func NewAnalyzer(cfg *config.Config, logger *slog.Logger) *Analyzer {
	a := &Analyzer{cfg: cfg, logger: logger}
	a.newBackend = func(kind, key string) Backend {
		switch kind {
		case "anthropic":
			return NewAnthropicBackend(key, cfg.Anthropic.Model)
		default:
			return NewOpenAIBackend(key, cfg.OpenAI.Model)
		}
	}
	return a
}

// selectBackend applies the fixed key precedence: Anthropic (request key,
// then ambient) before OpenAI (request key, then ambient). No usable key is
// a hard error.
func (a *Analyzer) selectBackend(keys Keys) (Backend, error) {
	if key := firstNonEmpty(keys.Anthropic, a.cfg.Anthropic.APIKey); key != "" {
		return a.newBackend("anthropic", key), nil
	}
	if key := firstNonEmpty(keys.OpenAI, a.cfg.OpenAI.APIKey); key != "" {
		return a.newBackend("openai", key), nil
	}
	return nil, ErrNoAPIKey
}

// Analyze builds the prompt for req, selects a backend, and submits the
// prompt with the images. Returns the backend's raw text and token usage.
func (a *Analyzer) Analyze(ctx context.Context, req Request, images []Image) (string, int, error) {
	backend, err := a.selectBackend(req.Keys)
	if err != nil {
		return "", 0, err
	}

	prompt := BuildPrompt(req)
	a.logPromptEstimate(prompt, len(images))

	text, tokens, err := backend.Analyze(ctx, prompt, images)
	if err != nil {
		metrics.VisionCallsTotal.WithLabelValues(backend.Name(), "error").Inc()
		return "", 0, err
	}
	metrics.VisionCallsTotal.WithLabelValues(backend.Name(), "ok").Inc()
	metrics.VisionTokensUsed.Add(float64(tokens))

	a.logger.Debug("vision analysis complete",
		slog.String("backend", backend.Name()),
		slog.Int("tokens_used", tokens),
	)
	return text, tokens, nil
}

// logPromptEstimate logs a local tokenizer estimate of the prompt size. The
// estimate is diagnostic only; the envelope's count always comes from the
// backend.
func (a *Analyzer) logPromptEstimate(prompt string, imageCount int) {
	a.codecOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			a.logger.Warn("tokenizer unavailable", slog.String("error", err.Error()))
			return
		}
		a.codec = codec
	})
	if a.codec == nil {
		return
	}
	ids, _, err := a.codec.Encode(prompt)
	if err != nil {
		return
	}
	a.logger.Debug("dispatching analysis prompt",
		slog.Int("prompt_tokens_estimate", len(ids)),
		slog.Int("images", imageCount),
	)
}

// BuildPrompt renders the analysis prompt for req following the fixed
// framing rules.
func BuildPrompt(req Request) string {
	var b strings.Builder

	if req.Part == "" || req.Part == AssemblyMarker {
		b.WriteString("You are reviewing rendered views of a complete 3D-printed assembly.\n")
		b.WriteString("Evaluate whether the assembly's geometry looks correct and complete.\n")
	} else {
		fmt.Fprintf(&b, "You are reviewing rendered views of the 3D-printed part %q.\n", req.Part)
		fmt.Fprintf(&b, "Evaluate whether the geometry of %q looks correct.\n", req.Part)
	}

	if req.Description != "" {
		b.WriteString("\nValidate the geometry against this required description:\n")
		b.WriteString(req.Description)
		b.WriteString("\n")
	} else {
		b.WriteString("\nNo description was provided; validate general structural soundness: ")
		b.WriteString("watertight-looking surfaces, no obviously missing or floating geometry, ")
		b.WriteString("no degenerate or collapsed features.\n")
	}

	if req.Focus != "" {
		fmt.Fprintf(&b, "\nPay particular attention to: %s\n", req.Focus)
	}

	if len(req.Checks) > 0 {
		b.WriteString("\nRestrict your evaluation to exactly these checks:\n")
		for i, c := range req.Checks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
	}

	b.WriteString("\nIgnore differences in color, shading, lighting, and rendering artifacts; ")
	b.WriteString("they are properties of the renderer, not the geometry. ")
	b.WriteString("Do not claim precise measurements from the images.\n")

	b.WriteString("\nRespond with ONLY a JSON object, no other text, with exactly these fields:\n")
	b.WriteString(`{
  "verdict": "pass" | "fail" | "uncertain",
  "confidence": <number between 0 and 1, or null>,
  "summary": "<one-paragraph assessment>",
  "issues": [{"type": "<category>", "detail": "<description>", "severity": "critical" | "major" | "minor" | "suggestion"}],
  "recommendations": ["<actionable suggestion>"]
}`)
	b.WriteString("\n")

	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
