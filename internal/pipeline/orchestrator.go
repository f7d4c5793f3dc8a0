// Package pipeline composes fetch, render, imaging and vision into the two
// public operations: full validation and render-only preview. Every request,
// whatever happens inside, is answered with a domain.ResultEnvelope.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"

	"partvision/internal/domain"
	"partvision/internal/fetch"
	"partvision/internal/history"
	"partvision/internal/imaging"
	"partvision/internal/render"
	"partvision/internal/vision"
)

var tracer = otel.Tracer("partvision/pipeline")

// analysisFitSize bounds the imagery sent to a vision backend: each frame is
// fit within a square canvas of this size before compression.
const analysisFitSize = 1024

// ValidateRequest describes one full validation.
type ValidateRequest struct {
	Part        string
	Description string
	Focus       string
	Checks      []string
	SessionID   string
	ArtifactURL string
	Keys        vision.Keys
}

// RenderRequest describes one render-only preview.
type RenderRequest struct {
	Part        string
	Views       []string
	SessionID   string
	ArtifactURL string
}

// validationResult is the result payload of a successful validation.
type validationResult struct {
	Verdict         string         `json:"verdict"`
	Confidence      *float64       `json:"confidence"`
	Summary         string         `json:"summary"`
	Issues          []domain.Issue `json:"issues"`
	Recommendations []string       `json:"recommendations"`
	ValidatedPart   string         `json:"validatedPart"`
}

// previewResult is the result payload of a successful render preview.
type previewResult struct {
	Part           string   `json:"part"`
	RequestedViews []string `json:"requestedViews"`
	RenderedViews  []string `json:"renderedViews"`
}

// fetchFailure is the result payload attached when the upstream storage
// service answers with a non-success status.
type fetchFailure struct {
	StatusCode int    `json:"statusCode"`
	URL        string `json:"url"`
}

// VisionAnalyzer is the analysis capability the pipeline consumes.
// *vision.Analyzer is the production implementation.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, req vision.Request, images []vision.Image) (string, int, error)
}

// Orchestrator runs the render-and-validate pipeline.
type Orchestrator struct {
	fetcher   *fetch.Fetcher
	renderer  *render.Supervisor
	processor *imaging.Processor
	analyzer  VisionAnalyzer
	history   *history.Store // optional; nil disables the validation log
	logger    *slog.Logger
}

// New wires the pipeline stages together. history may be nil.
func New(fetcher *fetch.Fetcher, renderer *render.Supervisor,
	processor *imaging.Processor, analyzer VisionAnalyzer, store *history.Store,
	logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		fetcher:   fetcher,
		renderer:  renderer,
		processor: processor,
		analyzer:  analyzer,
		history:   store,
		logger:    logger,
	}
}

// Validate runs the full pipeline: fetch, render all views, compress the
// frames, submit them to a vision backend, and interpret the verdict.
func (o *Orchestrator) Validate(ctx context.Context, req ValidateRequest) (env domain.ResultEnvelope) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Validate")
	defer span.End()
	defer o.catchAll(&env)

	switch {
	case req.Part == "":
		return domain.Failure("part is required", nil)
	case req.ArtifactURL == "":
		return domain.Failure("artifact URL is required", nil)
	case req.SessionID == "":
		return domain.Failure("session id is required", nil)
	}

	defer o.cleanupSession(req.SessionID)

	frames, failure := o.fetchAndRender(ctx, req.SessionID, req.ArtifactURL, domain.AllViews)
	if failure != nil {
		env = *failure
		o.record(req, env, domain.VerdictUnknown, start)
		return env
	}

	artifacts := o.compressFrames(ctx, frames)

	actx, aspan := tracer.Start(ctx, "pipeline.analyze")
	text, tokens, err := o.analyzer.Analyze(actx, vision.Request{
		Part:        req.Part,
		Description: req.Description,
		Focus:       req.Focus,
		Checks:      req.Checks,
		Keys:        req.Keys,
	}, imagesFromArtifacts(artifacts))
	aspan.End()
	if err != nil {
		// The render succeeded; keep its imagery in the failure envelope.
		env = domain.Failure(err.Error(), artifacts)
		o.record(req, env, domain.VerdictUnknown, start)
		return env
	}

	verdict := vision.Interpret(text)
	env = domain.Successful(validationResult{
		Verdict:         verdict.Verdict,
		Confidence:      verdict.Confidence,
		Summary:         verdict.Summary,
		Issues:          verdict.Issues,
		Recommendations: verdict.Recommendations,
		ValidatedPart:   req.Part,
	}, tokens, artifacts)
	o.record(req, env, verdict.Verdict, start)
	return env
}

// RenderPreview runs fetch and render only, returning the frames uncompressed.
// No vision backend is consulted and token usage is always zero.
func (o *Orchestrator) RenderPreview(ctx context.Context, req RenderRequest) (env domain.ResultEnvelope) {
	ctx, span := tracer.Start(ctx, "pipeline.RenderPreview")
	defer span.End()
	defer o.catchAll(&env)

	switch {
	case req.Part == "":
		return domain.Failure("part is required", nil)
	case req.ArtifactURL == "":
		return domain.Failure("artifact URL is required", nil)
	case req.SessionID == "":
		return domain.Failure("session id is required", nil)
	}
	views, err := domain.NormalizeViews(req.Views)
	if err != nil {
		return domain.Failure(err.Error(), nil)
	}

	defer o.cleanupSession(req.SessionID)

	frames, failure := o.fetchAndRender(ctx, req.SessionID, req.ArtifactURL, views)
	if failure != nil {
		return *failure
	}

	artifacts := make([]domain.Artifact, 0, len(frames))
	rendered := make([]string, 0, len(frames))
	for _, frame := range frames {
		raw, err := o.processor.Raw(frame.Path)
		if err != nil {
			o.logger.Warn("failed to read rendered frame",
				slog.String("path", frame.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		artifacts = append(artifacts, frameArtifact(frame.View, ".png", raw))
		rendered = append(rendered, frame.View)
	}
	if len(artifacts) == 0 {
		return domain.Failure("Rendering failed", nil)
	}

	return domain.Successful(previewResult{
		Part:           req.Part,
		RequestedViews: views,
		RenderedViews:  rendered,
	}, 0, artifacts)
}

// fetchAndRender runs the shared front half of both operations. On failure it
// returns the envelope to answer with; on success it returns the frames.
func (o *Orchestrator) fetchAndRender(ctx context.Context, sessionID, artifactURL string, views []string) ([]render.Frame, *domain.ResultEnvelope) {
	fctx, span := tracer.Start(ctx, "pipeline.fetch")
	res := o.fetcher.Fetch(fctx, artifactURL, sessionID)
	span.End()
	if !res.OK {
		var env domain.ResultEnvelope
		if res.StatusCode != 0 {
			env = domain.FailureWithResult(res.Error, fetchFailure{
				StatusCode: res.StatusCode,
				URL:        res.URL,
			})
		} else {
			env = domain.Failure(res.Error, nil)
		}
		return nil, &env
	}

	outputDir := filepath.Join(o.fetcher.SessionDir(sessionID), "renders")
	rctx, span := tracer.Start(ctx, "pipeline.render")
	out := o.renderer.Render(rctx, res.LocalPath, outputDir, views)
	span.End()
	if !out.Success {
		env := domain.Failure("Rendering failed", nil)
		return nil, &env
	}
	return out.Frames, nil
}

// compressFrames converts frames to analysis-grade artifacts. A frame that
// cannot be read at all is dropped with a warning.
func (o *Orchestrator) compressFrames(ctx context.Context, frames []render.Frame) []domain.Artifact {
	_, span := tracer.Start(ctx, "pipeline.compress")
	defer span.End()

	artifacts := make([]domain.Artifact, 0, len(frames))
	for _, frame := range frames {
		processed, err := o.processor.Compress(frame.Path, analysisFitSize)
		if err != nil {
			o.logger.Warn("failed to read rendered frame",
				slog.String("path", frame.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		ext := ".jpg"
		if processed.MimeType != "image/jpeg" {
			ext = ".png"
		}
		artifacts = append(artifacts, frameArtifact(frame.View, ext, processed))
	}
	return artifacts
}

// catchAll converts a panic anywhere in the pipeline into a failure envelope.
// No request goes unanswered.
func (o *Orchestrator) catchAll(env *domain.ResultEnvelope) {
	if r := recover(); r != nil {
		o.logger.Error("pipeline panic recovered", slog.Any("panic", r))
		*env = domain.Failure(fmt.Sprintf("internal error: %v", r), nil)
	}
}

// cleanupSession removes the session's working directory. Best effort:
// failures are logged and swallowed.
func (o *Orchestrator) cleanupSession(sessionID string) {
	dir := o.fetcher.SessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Warn("failed to clean up session dir",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

// record appends the finished validation to the history log, if one is
// configured. Failures are logged and swallowed.
func (o *Orchestrator) record(req ValidateRequest, env domain.ResultEnvelope, verdict string, start time.Time) {
	if o.history == nil {
		return
	}
	if verdict == "" {
		verdict = domain.VerdictUnknown
	}
	err := o.history.Append(context.Background(), history.Record{
		SessionID:  req.SessionID,
		Part:       req.Part,
		Verdict:    verdict,
		TokensUsed: env.TokensUsed,
		Success:    env.Success,
		Duration:   time.Since(start),
	})
	if err != nil {
		o.logger.Warn("failed to record validation", slog.String("error", err.Error()))
	}
}

func frameArtifact(view, ext string, p imaging.Processed) domain.Artifact {
	return domain.Artifact{
		Name:     "preview_" + view + ext,
		Type:     "image",
		MimeType: p.MimeType,
		Data:     base64.StdEncoding.EncodeToString(p.Data),
	}
}

// imagesFromArtifacts adapts artifacts to the vision backend's image shape.
// Artifact data is already base64, which is what the backends embed.
func imagesFromArtifacts(artifacts []domain.Artifact) []vision.Image {
	images := make([]vision.Image, 0, len(artifacts))
	for _, a := range artifacts {
		images = append(images, vision.Image{MediaType: a.MimeType, Data: a.Data})
	}
	return images
}
