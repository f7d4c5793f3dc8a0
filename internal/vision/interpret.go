package vision

import (
	"encoding/json"
	"regexp"
	"strings"

	"partvision/internal/domain"
)

// fencedBlock matches a markdown code fence with an optional language tag and
// captures the interior.
var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\s*\\n?(.*?)```")

// Interpret extracts a structured verdict from raw backend text. If the text
// contains a fenced code block, only its interior is parsed; otherwise the
// raw text is used verbatim. Malformed output is recovered into the
// "unknown" fallback verdict carrying the raw text as summary. Interpret
// never fails.
func Interpret(raw string) domain.VisionVerdict {
	candidate := raw
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}

	var verdict domain.VisionVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &verdict); err != nil {
		return domain.VisionVerdict{
			Verdict:         domain.VerdictUnknown,
			Confidence:      nil,
			Summary:         raw,
			Issues:          []domain.Issue{},
			Recommendations: []string{},
		}
	}

	if verdict.Issues == nil {
		verdict.Issues = []domain.Issue{}
	}
	if verdict.Recommendations == nil {
		verdict.Recommendations = []string{}
	}
	return verdict
}
