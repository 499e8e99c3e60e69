// Package governance evaluates the pre-tool-use allow/deny policy used by
// the pre-tool-use hook (spec.md §4.2: "for each
// allow/deny rule from config, check tool name + input pattern; if
// denied, mutate hook_output to block the call and write a
// governance-audit row"). The pattern-matching core is generalized from
// the teacher's internal/permission/wildcard.go, which matched bash
// command+subcommand+args triples; here a rule instead matches a tool
// name against a glob-style input string, since the CI daemon observes
// arbitrary tool calls, not only bash.
package governance

import (
	"path/filepath"
	"strings"
	"time"
)

// Action is the outcome of evaluating a rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is one allow/deny entry: ToolPattern matches the tool name
// (supports "*" wildcard and suffix/prefix globs via filepath.Match
// semantics); InputPattern, if non-empty, is matched against a
// caller-supplied representative string of the tool's input (e.g. the
// command for Bash, the file path for Edit/Write).
type Rule struct {
	ToolPattern  string `json:"tool" yaml:"tool"`
	InputPattern string `json:"input,omitempty" yaml:"input,omitempty"`
	Action       Action `json:"action" yaml:"action"`
}

// Policy is an ordered list of rules; the first matching rule wins. An
// empty policy allows everything (governance is opt-in).
type Policy struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Decision is the result of evaluating a tool call against a Policy.
type Decision struct {
	Action      Action
	MatchedRule *Rule
}

// Evaluate checks toolName/input against p's rules in order and returns
// the first match, or ActionAllow with no matched rule if nothing
// matches.
func Evaluate(p Policy, toolName, input string) Decision {
	for i := range p.Rules {
		r := &p.Rules[i]
		if !matchGlob(r.ToolPattern, toolName) {
			continue
		}
		if r.InputPattern != "" && !matchGlob(r.InputPattern, input) {
			continue
		}
		return Decision{Action: r.Action, MatchedRule: r}
	}
	return Decision{Action: ActionAllow}
}

// matchGlob matches pattern against s using shell-glob semantics ("*"
// matches any run of characters, not just one path segment, matching
// the teacher's pattern language rather than filepath.Match's
// path-segment-aware one).
func matchGlob(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	// Translate "*" into a filepath.Match-compatible form where "*" is
	// already the multi-char wildcard, but filepath.Match's "*" stops at
	// path separators; since tool names/inputs are not paths here, that
	// restriction only matters for slash-containing inputs (file paths),
	// so fall back to a manual match in that case.
	if strings.Contains(s, "/") {
		return manualGlobMatch(pattern, s)
	}
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

func manualGlobMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// AuditRow is one row written to the governance audit log whenever a
// rule denies a call.
type AuditRow struct {
	SessionID string
	ToolName  string
	Input     string
	Rule      Rule
	DeniedAt  time.Time
}
