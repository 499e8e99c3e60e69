package server

import (
	"encoding/json"
	"fmt"
	"strings"
)

// sanitizeFieldMaxLen mirrors domain.SanitizeFieldMaxLen; kept local to
// avoid a dependency cycle risk since this runs purely on parsed JSON,
// not domain types.
const sanitizeFieldMaxLen = 500

// bigFieldNames are the well-known large/noisy tool_input fields that
// sanitizeToolInput collapses, along with any string over
// sanitizeFieldMaxLen, into "<N chars>" (spec.md §4.2.3 step 2).
var bigFieldNames = map[string]bool{
	"content":     true,
	"new_source":  true,
	"old_string":  true,
	"new_string":  true,
}

// sanitizeToolInput re-serializes a canonical tool_input JSON string
// with large/noisy fields collapsed, for storage in tool_input_json.
func sanitizeToolInput(canonicalJSON string) string {
	var v map[string]any
	if err := json.Unmarshal([]byte(canonicalJSON), &v); err != nil {
		return canonicalJSON
	}
	for k, val := range v {
		s, ok := val.(string)
		if !ok {
			continue
		}
		if bigFieldNames[k] || len(s) > sanitizeFieldMaxLen {
			v[k] = fmt.Sprintf("<%d chars>", len(s))
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return canonicalJSON
	}
	return string(out)
}

// failureMarkers are stderr/output substrings that indicate a tool call
// failed even when the hook body does not carry an explicit success
// flag (spec.md §4.2.3 step 3: "Detect failure from stderr markers").
var failureMarkers = []string{
	"Traceback (most recent call last)",
	"panic:",
	"fatal:",
	"FATAL ERROR",
	"Error:",
	"error:",
	"command not found",
	"exit status",
	"ENOENT",
}

// detectFailure reports whether toolOutput looks like a failed tool
// call and, if so, a short error message extracted from it.
func detectFailure(toolOutput string) (failed bool, errMsg string) {
	for _, marker := range failureMarkers {
		if idx := strings.Index(toolOutput, marker); idx >= 0 {
			end := idx + 200
			if end > len(toolOutput) {
				end = len(toolOutput)
			}
			return true, toolOutput[idx:end]
		}
	}
	return false, ""
}
