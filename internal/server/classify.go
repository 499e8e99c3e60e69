package server

import (
	"strings"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/manifest"
)

// classifySourceType matches prompt against the agent's declared
// prompt_prefixes (spec.md §4.2.1 step 3), falling back to "user" when
// nothing matches.
func classifySourceType(prompt string, m *manifest.Manifest) domain.SourceType {
	if m.CI == nil {
		return domain.SourceUser
	}
	for prefix, sourceType := range m.CI.PromptPrefixes {
		if strings.HasPrefix(prompt, prefix) {
			switch sourceType {
			case string(domain.SourceAgentNotification):
				return domain.SourceAgentNotification
			case string(domain.SourceSystem):
				return domain.SourceSystem
			case string(domain.SourcePlan):
				return domain.SourcePlan
			case string(domain.SourceDerivedPlan):
				return domain.SourceDerivedPlan
			}
		}
	}
	return domain.SourceUser
}
