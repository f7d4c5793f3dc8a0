package domain

import (
	"fmt"
	"strings"
)

// AllViews is the closed set of camera positions the rendering engine
// understands, in its canonical order.
var AllViews = []string{"iso", "front", "back", "left", "right", "top", "bottom"}

var viewSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(AllViews))
	for _, v := range AllViews {
		m[v] = struct{}{}
	}
	return m
}()

// IsValidView reports whether name is a recognized camera position.
// Matching is case-sensitive.
func IsValidView(name string) bool {
	_, ok := viewSet[name]
	return ok
}

// NormalizeViews filters the requested view names against the closed set,
// dropping unrecognized entries and duplicates while preserving
// first-occurrence order. Empty input, or input with no recognized entries,
// is an error naming the allowed set.
func NormalizeViews(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("no views requested; valid views: %s", strings.Join(AllViews, ", "))
	}

	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	for _, v := range requested {
		if !IsValidView(v) {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no valid views requested; valid views: %s", strings.Join(AllViews, ", "))
	}
	return out, nil
}
