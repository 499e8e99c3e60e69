// Package manifest loads declarative per-agent behavior (plan directories,
// transcript path templates, hook output shapes, plan-response regexes)
// from YAML files, read once at daemon startup and cached in a lookup
// table. This replaces the source system's AgentService.get_agent_manifest
// plugin-loading pattern (see spec.md §9 "Plugin loading via manifests").
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oak-dev/ci-daemon/internal/domain"
)

// CI holds the codebase-intelligence-specific section of an agent manifest.
type CI struct {
	PlansSubfolder        string   `yaml:"plans_subfolder"`
	TranscriptPathTemplate string  `yaml:"transcript_path_template"`
	HookOutputKey         string   `yaml:"hook_output_key"`
	PromptPrefixes        map[string]string `yaml:"prompt_prefixes"` // prefix -> source_type
	PlanResponsePatterns  []string `yaml:"plan_response_patterns"`
	ExitPlanModeTool      string   `yaml:"exit_plan_mode_tool"`
}

// Manifest is one agent's full declarative definition.
type Manifest struct {
	Agent domain.Agent `yaml:"agent"`
	Name  string       `yaml:"name"`
	CI    *CI          `yaml:"ci"`
}

// Registry is the cached, loaded set of all agent manifests for a project
// root. It is a per-project-root singleton the same way the source
// system's plan detector caches are: reset on project-root change.
type Registry struct {
	mu        sync.RWMutex
	manifests map[domain.Agent]*Manifest
}

// builtinManifests are the defaults shipped with the daemon; a project or
// user config directory may add or override entries by placing
// additional `*.yaml` files in the manifests directory (see Load).
func builtinManifests() []*Manifest {
	return []*Manifest{
		{
			Agent: domain.AgentClaude,
			Name:  "Claude Code",
			CI: &CI{
				PlansSubfolder:         ".claude/plans/",
				TranscriptPathTemplate: "~/.claude/projects/{project_slug}/{session_id}.jsonl",
				HookOutputKey:          "hookSpecificOutput",
				PromptPrefixes: map[string]string{
					"<system-reminder>": "system",
					"[Request interrupted": "system",
				},
				ExitPlanModeTool: "ExitPlanMode",
			},
		},
		{
			Agent: domain.AgentCursor,
			Name:  "Cursor",
			CI: &CI{
				PlansSubfolder:         ".cursor/plans/",
				TranscriptPathTemplate: "~/.cursor/chats/{session_id}.jsonl",
				HookOutputKey:          "cursorHookOutput",
				PlanResponsePatterns: []string{
					`(?i)^\s*#+\s*plan\b`,
					`(?i)here.s (my|the) plan`,
				},
			},
		},
		{
			Agent: domain.AgentCopilot,
			Name:  "GitHub Copilot",
			CI: &CI{
				PlansSubfolder: ".copilot/plans/",
				HookOutputKey:  "copilotHookOutput",
				PlanResponsePatterns: []string{
					`(?i)^\s*##?\s*implementation plan`,
					`(?i)^\s*steps?:`,
				},
			},
		},
		{
			Agent: domain.AgentCodex,
			Name:  "Codex CLI",
			CI: &CI{
				PlansSubfolder: ".codex/plans/",
				HookOutputKey:  "codexHookOutput",
			},
		},
		{
			Agent: domain.AgentGemini,
			Name:  "Gemini CLI",
			CI: &CI{
				PlansSubfolder: ".gemini/plans/",
				HookOutputKey:  "geminiHookOutput",
			},
		},
		{
			Agent: domain.AgentWindsurf,
			Name:  "Windsurf",
			CI: &CI{
				PlansSubfolder: ".windsurf/plans/",
				HookOutputKey:  "windsurfHookOutput",
			},
		},
	}
}

// Load builds the registry from the builtin manifests plus any YAML
// overrides found in manifestsDir (each file is one Manifest).
func Load(manifestsDir string) (*Registry, error) {
	r := &Registry{manifests: make(map[domain.Agent]*Manifest)}
	for _, m := range builtinManifests() {
		r.manifests[m.Agent] = m
	}

	if manifestsDir == "" {
		return r, nil
	}
	entries, err := os.ReadDir(manifestsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read manifests dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(manifestsDir, e.Name()))
		if err != nil {
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.Agent == "" {
			continue
		}
		r.manifests[m.Agent] = &m
	}
	return r, nil
}

// Get returns the manifest for an agent, falling back to a bare manifest
// with no CI section (never nil) so callers can check m.CI == nil safely.
func (r *Registry) Get(agent domain.Agent) *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.manifests[agent]; ok {
		return m
	}
	return &Manifest{Agent: agent, Name: string(agent)}
}

// All returns every loaded manifest.
func (r *Registry) All() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	return out
}

// PlanDirectories returns, for every agent with a CI.PlansSubfolder, the
// pattern used for matching (mirrors AgentService.get_all_plan_directories).
func (r *Registry) PlanDirectories() map[domain.Agent]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.Agent]string)
	for agent, m := range r.manifests {
		if m.CI != nil && m.CI.PlansSubfolder != "" {
			out[agent] = m.CI.PlansSubfolder
		}
	}
	return out
}
