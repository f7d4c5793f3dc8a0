package server

import (
	"encoding/json"
	"net/http"

	"partvision/internal/domain"
	"partvision/internal/pipeline"
	"partvision/internal/vision"
)

// requestContext is the caller-supplied work-item context shared by both
// operational endpoints.
type requestContext struct {
	SessionID      string `json:"sessionId"`
	Artifact3MFURL string `json:"artifact3mfUrl"`
	Step           int    `json:"step"`
}

type apiKeys struct {
	Anthropic string `json:"anthropic"`
	OpenAI    string `json:"openai"`
}

type validateBody struct {
	Context requestContext `json:"context"`
	Args    struct {
		Part            string   `json:"part"`
		PartDescription string   `json:"partDescription"`
		Focus           string   `json:"focus"`
		Checks          []string `json:"checks"`
	} `json:"args"`
	APIKeys apiKeys `json:"apiKeys"`
}

type renderBody struct {
	Context requestContext `json:"context"`
	Args    struct {
		Part  string   `json:"part"`
		Views []string `json:"views"`
	} `json:"args"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, domain.Failure("invalid request body: "+err.Error(), nil))
		return
	}

	ctx := r.Context()
	AddLogField(ctx, "session_id", body.Context.SessionID)
	AddLogField(ctx, "part", body.Args.Part)

	env := s.pipe.Validate(ctx, pipeline.ValidateRequest{
		Part:        body.Args.Part,
		Description: body.Args.PartDescription,
		Focus:       body.Args.Focus,
		Checks:      body.Args.Checks,
		SessionID:   body.Context.SessionID,
		ArtifactURL: body.Context.Artifact3MFURL,
		Keys: vision.Keys{
			Anthropic: body.APIKeys.Anthropic,
			OpenAI:    body.APIKeys.OpenAI,
		},
	})
	AddLogField(ctx, "error", env.Error)
	writeEnvelope(w, http.StatusOK, env)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var body renderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, domain.Failure("invalid request body: "+err.Error(), nil))
		return
	}

	ctx := r.Context()
	AddLogField(ctx, "session_id", body.Context.SessionID)
	AddLogField(ctx, "part", body.Args.Part)

	env := s.pipe.RenderPreview(ctx, pipeline.RenderRequest{
		Part:        body.Args.Part,
		Views:       body.Args.Views,
		SessionID:   body.Context.SessionID,
		ArtifactURL: body.Context.Artifact3MFURL,
	})
	AddLogField(ctx, "error", env.Error)
	writeEnvelope(w, http.StatusOK, env)
}

// handleHealth reports liveness plus the closed view enumeration, so callers
// can discover valid view names without a render attempt.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "partvision",
		"views":   domain.AllViews,
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env domain.ResultEnvelope) {
	if env.Artifacts == nil {
		env.Artifacts = []domain.Artifact{}
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
