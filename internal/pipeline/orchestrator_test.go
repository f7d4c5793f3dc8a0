package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"partvision/internal/config"
	"partvision/internal/domain"
	"partvision/internal/fetch"
	"partvision/internal/history"
	"partvision/internal/imaging"
	"partvision/internal/render"
	"partvision/internal/vision"
)

// stubAnalyzer records what it was asked and returns canned output.
type stubAnalyzer struct {
	text   string
	tokens int
	err    error
	panics bool

	gotReq    vision.Request
	gotImages []vision.Image
}

func (s *stubAnalyzer) Analyze(_ context.Context, req vision.Request, images []vision.Image) (string, int, error) {
	if s.panics {
		panic("backend exploded")
	}
	s.gotReq = req
	s.gotImages = images
	return s.text, s.tokens, s.err
}

// fakeEngine writes a shell script standing in for the rendering engine. The
// script drops the leading engine flags, binds GEO and OUT, leaves the view
// names in $@, then runs body.
func fakeEngine(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "engine.sh")
	script := "#!/bin/sh\nshift 4\nGEO=\"$1\"\nOUT=\"$2\"\nshift 2\n" + body
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

// artifactServer serves a small geometry blob and counts hits.
func artifactServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("not a real 3mf but the engine does not care"))
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func newTestOrchestrator(t *testing.T, enginePath string, analyzer VisionAnalyzer, store *history.Store) (*Orchestrator, string) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	workdir := t.TempDir()
	fetcher := fetch.NewFetcher(workdir, logger)
	renderer := render.NewSupervisor(config.RenderConfig{
		BlenderPath:    enginePath,
		ScriptPath:     "render3mf.py",
		TimeoutSeconds: 30,
	}, logger)
	processor := imaging.NewProcessor(logger)
	return New(fetcher, renderer, processor, analyzer, store, logger), workdir
}

const renderAllViews = `for v in "$@"; do printf 'frame-bytes' > "$OUT/preview_$v.png"; done`

func TestValidate_MissingInputsShortCircuit(t *testing.T) {
	ts, hits := artifactServer(t)
	o, _ := newTestOrchestrator(t, fakeEngine(t, renderAllViews), &stubAnalyzer{}, nil)

	cases := []struct {
		name    string
		req     ValidateRequest
		wantErr string
	}{
		{"missing part", ValidateRequest{SessionID: "s", ArtifactURL: ts.URL + "/p.3mf"}, "part is required"},
		{"missing url", ValidateRequest{Part: "bracket", SessionID: "s"}, "artifact URL is required"},
		{"missing session", ValidateRequest{Part: "bracket", ArtifactURL: ts.URL + "/p.3mf"}, "session id is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := o.Validate(context.Background(), tc.req)
			if env.Success {
				t.Error("expected failure")
			}
			if env.Error != tc.wantErr {
				t.Errorf("error = %q, want %q", env.Error, tc.wantErr)
			}
			if len(env.Artifacts) != 0 {
				t.Errorf("artifacts = %d, want 0", len(env.Artifacts))
			}
		})
	}
	if *hits != 0 {
		t.Errorf("input validation touched the network %d times", *hits)
	}
}

func TestValidate_FetchNotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	o, _ := newTestOrchestrator(t, fakeEngine(t, renderAllViews), &stubAnalyzer{}, nil)

	env := o.Validate(context.Background(), ValidateRequest{
		Part: "bracket", SessionID: "sess-404", ArtifactURL: ts.URL + "/missing.3mf",
	})
	if env.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(env.Error, "Failed to fetch") {
		t.Errorf("error = %q, want fetch failure", env.Error)
	}
	var payload struct {
		StatusCode int `json:"statusCode"`
	}
	if err := json.Unmarshal(env.Result, &payload); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if payload.StatusCode != 404 {
		t.Errorf("statusCode = %d, want 404", payload.StatusCode)
	}
}

func TestValidate_FullPipeline(t *testing.T) {
	ts, _ := artifactServer(t)
	stub := &stubAnalyzer{
		text:   `{"verdict":"pass","confidence":0.9,"summary":"looks right","issues":[],"recommendations":[]}`,
		tokens: 123,
	}
	o, workdir := newTestOrchestrator(t, fakeEngine(t, renderAllViews), stub, nil)

	env := o.Validate(context.Background(), ValidateRequest{
		Part:        "bracket",
		Description: "an L-shaped bracket",
		SessionID:   "sess-ok",
		ArtifactURL: ts.URL + "/bracket.3mf",
	})
	if !env.Success {
		t.Fatalf("expected success, got error %q", env.Error)
	}
	if env.TokensUsed != 123 {
		t.Errorf("tokensUsed = %d, want 123", env.TokensUsed)
	}
	if len(env.Artifacts) != len(domain.AllViews) {
		t.Errorf("artifacts = %d, want %d", len(env.Artifacts), len(domain.AllViews))
	}
	if len(stub.gotImages) != len(domain.AllViews) {
		t.Errorf("backend received %d images, want %d", len(stub.gotImages), len(domain.AllViews))
	}
	if stub.gotReq.Part != "bracket" || stub.gotReq.Description != "an L-shaped bracket" {
		t.Errorf("analysis request not forwarded: %+v", stub.gotReq)
	}

	var payload struct {
		Verdict       string `json:"verdict"`
		ValidatedPart string `json:"validatedPart"`
	}
	if err := json.Unmarshal(env.Result, &payload); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if payload.Verdict != domain.VerdictPass {
		t.Errorf("verdict = %q, want pass", payload.Verdict)
	}
	if payload.ValidatedPart != "bracket" {
		t.Errorf("validatedPart = %q", payload.ValidatedPart)
	}

	// The session working directory is removed once the response is composed.
	if _, err := os.Stat(filepath.Join(workdir, "sess-ok")); !os.IsNotExist(err) {
		t.Error("session dir was not cleaned up")
	}
}

func TestValidate_NoAPIKeyKeepsRenderedArtifacts(t *testing.T) {
	ts, _ := artifactServer(t)
	stub := &stubAnalyzer{err: vision.ErrNoAPIKey}
	o, _ := newTestOrchestrator(t, fakeEngine(t, renderAllViews), stub, nil)

	env := o.Validate(context.Background(), ValidateRequest{
		Part: "bracket", SessionID: "sess-nokey", ArtifactURL: ts.URL + "/bracket.3mf",
	})
	if env.Success {
		t.Fatal("expected failure")
	}
	if env.Error != "No vision API key provided" {
		t.Errorf("error = %q", env.Error)
	}
	if len(env.Artifacts) != len(domain.AllViews) {
		t.Errorf("artifacts = %d, want the rendered views preserved", len(env.Artifacts))
	}
}

func TestValidate_PanicBecomesFailureEnvelope(t *testing.T) {
	ts, _ := artifactServer(t)
	o, _ := newTestOrchestrator(t, fakeEngine(t, renderAllViews), &stubAnalyzer{panics: true}, nil)

	env := o.Validate(context.Background(), ValidateRequest{
		Part: "bracket", SessionID: "sess-panic", ArtifactURL: ts.URL + "/bracket.3mf",
	})
	if env.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(env.Error, "backend exploded") {
		t.Errorf("error = %q, want the panic message", env.Error)
	}
}

func TestValidate_RenderFailure(t *testing.T) {
	ts, _ := artifactServer(t)
	o, _ := newTestOrchestrator(t, fakeEngine(t, "exit 0"), &stubAnalyzer{}, nil)

	env := o.Validate(context.Background(), ValidateRequest{
		Part: "bracket", SessionID: "sess-norender", ArtifactURL: ts.URL + "/bracket.3mf",
	})
	if env.Success {
		t.Fatal("expected failure")
	}
	if env.Error != "Rendering failed" {
		t.Errorf("error = %q, want %q", env.Error, "Rendering failed")
	}
}

func TestValidate_RecordsHistory(t *testing.T) {
	ts, _ := artifactServer(t)
	store, err := history.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	stub := &stubAnalyzer{text: `{"verdict":"fail","summary":"hole missing"}`, tokens: 50}
	o, _ := newTestOrchestrator(t, fakeEngine(t, renderAllViews), stub, store)

	env := o.Validate(context.Background(), ValidateRequest{
		Part: "bracket", SessionID: "sess-hist", ArtifactURL: ts.URL + "/bracket.3mf",
	})
	if !env.Success {
		t.Fatalf("expected success, got %q", env.Error)
	}

	recs, err := store.BySession(context.Background(), "sess-hist")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d history records, want 1", len(recs))
	}
	if recs[0].Verdict != domain.VerdictFail || recs[0].TokensUsed != 50 {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestRenderPreview_PartialRender(t *testing.T) {
	ts, _ := artifactServer(t)
	// Renders only the first three requested views.
	body := `i=0
for v in "$@"; do
  i=$((i+1))
  [ $i -le 3 ] || break
  printf 'frame' > "$OUT/preview_$v.png"
done`
	o, _ := newTestOrchestrator(t, fakeEngine(t, body), &stubAnalyzer{}, nil)

	env := o.RenderPreview(context.Background(), RenderRequest{
		Part:        "bracket",
		Views:       []string{"iso", "front", "back", "left", "right"},
		SessionID:   "sess-partial",
		ArtifactURL: ts.URL + "/bracket.3mf",
	})
	if !env.Success {
		t.Fatalf("expected success, got %q", env.Error)
	}
	if env.TokensUsed != 0 {
		t.Errorf("tokensUsed = %d, want 0 for preview", env.TokensUsed)
	}
	if len(env.Artifacts) != 3 {
		t.Errorf("artifacts = %d, want 3", len(env.Artifacts))
	}

	var payload struct {
		RequestedViews []string `json:"requestedViews"`
		RenderedViews  []string `json:"renderedViews"`
	}
	if err := json.Unmarshal(env.Result, &payload); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if len(payload.RequestedViews) != 5 {
		t.Errorf("requestedViews = %v, want 5 entries", payload.RequestedViews)
	}
	if len(payload.RenderedViews) != 3 {
		t.Errorf("renderedViews = %v, want 3 entries", payload.RenderedViews)
	}
}

func TestRenderPreview_InvalidViewList(t *testing.T) {
	ts, hits := artifactServer(t)
	o, _ := newTestOrchestrator(t, fakeEngine(t, renderAllViews), &stubAnalyzer{}, nil)

	env := o.RenderPreview(context.Background(), RenderRequest{
		Part:        "bracket",
		Views:       []string{"sideways", "upside-down"},
		SessionID:   "sess-badviews",
		ArtifactURL: ts.URL + "/bracket.3mf",
	})
	if env.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(env.Error, "iso") {
		t.Errorf("error = %q, want the allowed view names", env.Error)
	}
	if *hits != 0 {
		t.Error("invalid view list should not reach the network")
	}
}
