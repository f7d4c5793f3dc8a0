// Package domain defines the value types shared across the render-and-validate
// pipeline: the response envelope, artifacts, and the vision verdict schema.
package domain

import "encoding/json"

// Verdict values the vision analyzer may return.
const (
	VerdictPass      = "pass"
	VerdictFail      = "fail"
	VerdictUncertain = "uncertain"
	VerdictError     = "error"
	VerdictUnknown   = "unknown"
)

// Issue severity levels, ordered most to least severe.
const (
	SeverityCritical   = "critical"
	SeverityMajor      = "major"
	SeverityMinor      = "minor"
	SeveritySuggestion = "suggestion"
)

// Issue is a single problem the vision model reported about the geometry.
type Issue struct {
	Type     string `json:"type"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// VisionVerdict is the structured result extracted from the model's response.
// Confidence is nil when the model did not supply one.
type VisionVerdict struct {
	Verdict         string   `json:"verdict"`
	Confidence      *float64 `json:"confidence"`
	Summary         string   `json:"summary"`
	Issues          []Issue  `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Artifact is a named binary payload returned to the caller, base64-encoded.
type Artifact struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "image" or "file"
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ResultEnvelope is the single externally observable response shape.
// Every request, including every failure mode, is answered with one.
type ResultEnvelope struct {
	Success    bool            `json:"success"`
	TokensUsed int             `json:"tokensUsed"`
	Artifacts  []Artifact      `json:"artifacts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Failure builds a failure envelope with the given error message and any
// artifacts that were produced before the pipeline stopped.
func Failure(msg string, artifacts []Artifact) ResultEnvelope {
	return ResultEnvelope{
		Success:   false,
		Artifacts: artifacts,
		Error:     msg,
	}
}

// FailureWithResult builds a failure envelope carrying a structured result
// payload, used when the failure has machine-readable detail (e.g. an HTTP
// status code from a fetch).
func FailureWithResult(msg string, result any) ResultEnvelope {
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure(msg, nil)
	}
	return ResultEnvelope{
		Success:   false,
		Artifacts: nil,
		Result:    raw,
		Error:     msg,
	}
}

// Successful builds a success envelope from a result payload.
func Successful(result any, tokensUsed int, artifacts []Artifact) ResultEnvelope {
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure("failed to serialize result: "+err.Error(), artifacts)
	}
	return ResultEnvelope{
		Success:    true,
		TokensUsed: tokensUsed,
		Artifacts:  artifacts,
		Result:     raw,
	}
}
