// Package plandetector implements plan-file detection and the
// four-strategy plan content resolver described in spec.md §4.2.1 step 4
// and §4.7, ported from the source system's plan_detector.py: pattern
// matching against every agent manifest's plans_subfolder (project-local
// and global ~/ variants), a filesystem mtime-window scan, and a
// response-text heuristic as a fourth, non-file-based detection path.
package plandetector

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/manifest"
	"github.com/oak-dev/ci-daemon/internal/transcript"
)

// DefaultMaxAgeSeconds is the filesystem-scan recency window (spec.md
// §4.2.1 step 4: "modified within 300 s").
const DefaultMaxAgeSeconds = 300

// planResponseScanLength bounds how much of a response is scanned by
// DetectPlanInResponse, matching the source system's precision/cost
// tradeoff for the heuristic fourth mechanism.
const planResponseScanLength = 2000

// DetectionResult is the outcome of matching a path against known plan
// directory patterns.
type DetectionResult struct {
	IsPlan   bool
	Agent    domain.Agent
	PlansDir string
	IsGlobal bool
}

// Detector is a per-project-root singleton; reset it (via New) whenever
// the project root changes, matching the source system's
// reset_plan_detector().
type Detector struct {
	projectRoot string
	homeDir     string
	patterns    map[string]domain.Agent // plans-dir pattern -> agent
}

// New builds a Detector from a manifest registry's declared plan
// directories.
func New(projectRoot string, registry *manifest.Registry) *Detector {
	home, _ := os.UserHomeDir()
	patterns := make(map[string]domain.Agent)
	for agent, dir := range registry.PlanDirectories() {
		pattern := strings.TrimSuffix(dir, "/") + "/"
		patterns[pattern] = agent
	}
	return &Detector{projectRoot: projectRoot, homeDir: home, patterns: patterns}
}

// Detect checks whether filePath falls under any known plan directory
// pattern, project-local or global.
func (d *Detector) Detect(filePath string) DetectionResult {
	if filePath == "" {
		return DetectionResult{}
	}
	for pattern, agent := range d.patterns {
		if strings.Contains(filePath, pattern) {
			return DetectionResult{
				IsPlan:   true,
				Agent:    agent,
				PlansDir: pattern,
				IsGlobal: d.isGlobalPath(filePath),
			}
		}
	}
	return DetectionResult{}
}

func (d *Detector) isGlobalPath(filePath string) bool {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return false
	}
	projAbs, _ := filepath.Abs(d.projectRoot)
	return d.homeDir != "" && strings.HasPrefix(abs, d.homeDir) && !strings.HasPrefix(abs, projAbs)
}

// IsPlanFile is a convenience boolean wrapper around Detect.
func (d *Detector) IsPlanFile(filePath string) bool {
	return d.Detect(filePath).IsPlan
}

// FindRecentPlanFile scans every known plan directory (project-local and
// global) for the most recently modified file within maxAgeSeconds,
// optionally restricted to one agent. This recovers plans that an IDE
// writes internally without ever issuing a Read/Edit/Write tool call.
func (d *Detector) FindRecentPlanFile(maxAgeSeconds int, agent domain.Agent) (DetectionResult, bool) {
	if len(d.patterns) == 0 {
		return DetectionResult{}, false
	}
	now := time.Now()

	var bestPath string
	var bestMTime time.Time
	var bestAgent domain.Agent
	var bestGlobal bool
	found := false

	for pattern, patAgent := range d.patterns {
		if agent != "" && patAgent != agent {
			continue
		}
		dirRel := strings.TrimSuffix(pattern, "/")

		type candidate struct {
			dir      string
			isGlobal bool
		}
		candidates := []candidate{{filepath.Join(d.projectRoot, dirRel), false}}
		if d.homeDir != "" {
			candidates = append(candidates, candidate{filepath.Join(d.homeDir, dirRel), true})
		}

		for _, c := range candidates {
			entries, err := os.ReadDir(c.dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				info, err := e.Info()
				if err != nil {
					continue
				}
				age := now.Sub(info.ModTime())
				if age.Seconds() > float64(maxAgeSeconds) {
					continue
				}
				if info.ModTime().After(bestMTime) {
					bestPath = filepath.Join(c.dir, e.Name())
					bestMTime = info.ModTime()
					bestAgent = patAgent
					bestGlobal = c.isGlobal
					found = true
				}
			}
		}
	}

	if !found {
		return DetectionResult{}, false
	}
	return DetectionResult{IsPlan: true, Agent: bestAgent, PlansDir: bestPath, IsGlobal: bestGlobal}, true
}

// Resolution is the outcome of ResolvePlanContent: the file it read and
// which of the four strategies found it.
type Resolution struct {
	FilePath string
	Content  string
	Strategy string // "known_path" | "candidate" | "transcript" | "filesystem"
}

// ResolveOptions bundles the four-strategy resolver's inputs (spec.md
// §4.2.1 step 4).
type ResolveOptions struct {
	KnownPlanFilePath    string
	CandidatePaths       []string
	TranscriptPath       string
	Agent                domain.Agent
	MaxAgeSeconds        int
	MinContentLength     int
	ExistingContentLength int
}

// ResolvePlanContent tries, in order: a known path from a prior plan
// batch; candidate paths from recent activities (filtered through
// Detect); attached-file references parsed from the transcript; and a
// filesystem scan of every configured plan directory. Content is
// accepted only if it passes contentPassesThreshold.
func (d *Detector) ResolvePlanContent(opts ResolveOptions) (*Resolution, bool) {
	maxAge := opts.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = DefaultMaxAgeSeconds
	}

	if opts.KnownPlanFilePath != "" {
		if content, ok := readPlanFile(opts.KnownPlanFilePath, d.projectRoot); ok &&
			contentPassesThreshold(content, opts.MinContentLength, opts.ExistingContentLength) {
			return &Resolution{FilePath: opts.KnownPlanFilePath, Content: content, Strategy: "known_path"}, true
		}
	}

	for _, cpath := range opts.CandidatePaths {
		if !d.Detect(cpath).IsPlan {
			continue
		}
		if content, ok := readPlanFile(cpath, d.projectRoot); ok &&
			contentPassesThreshold(content, opts.MinContentLength, opts.ExistingContentLength) {
			return &Resolution{FilePath: cpath, Content: content, Strategy: "candidate"}, true
		}
	}

	if opts.TranscriptPath != "" {
		if attached, err := transcript.ExtractAttachedFilePaths(opts.TranscriptPath); err == nil {
			for i := len(attached) - 1; i >= 0; i-- {
				p := attached[i]
				if !d.Detect(p).IsPlan {
					continue
				}
				if content, ok := readPlanFile(p, d.projectRoot); ok &&
					contentPassesThreshold(content, opts.MinContentLength, opts.ExistingContentLength) {
					return &Resolution{FilePath: p, Content: content, Strategy: "transcript"}, true
				}
			}
		}
	}

	if recent, ok := d.FindRecentPlanFile(maxAge, opts.Agent); ok {
		if content, ok := readPlanFile(recent.PlansDir, d.projectRoot); ok &&
			contentPassesThreshold(content, opts.MinContentLength, opts.ExistingContentLength) {
			return &Resolution{FilePath: recent.PlansDir, Content: content, Strategy: "filesystem"}, true
		}
	}

	return nil, false
}

func readPlanFile(path, projectRoot string) (string, bool) {
	if !filepath.IsAbs(path) && projectRoot != "" {
		path = filepath.Join(projectRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// contentPassesThreshold enforces the minimum-length and
// more-than-double-the-existing-content rules that stop a stale disk
// file from overriding a richer inline plan already captured.
func contentPassesThreshold(content string, minContentLength, existingContentLength int) bool {
	if minContentLength > 0 && len(content) < minContentLength {
		return false
	}
	if existingContentLength > 0 && len(content) <= existingContentLength*2 {
		return false
	}
	return true
}

// DetectPlanInResponse is the fourth, heuristic plan-detection mechanism:
// it scans the head of an agent's response text against the
// plan_response_patterns declared in that agent's manifest, for agents
// that describe a plan inline in prose rather than writing a file.
func DetectPlanInResponse(responseText string, registry *manifest.Registry, agent domain.Agent) bool {
	if responseText == "" {
		return false
	}
	m := registry.Get(agent)
	if m.CI == nil || len(m.CI.PlanResponsePatterns) == 0 {
		return false
	}

	head := responseText
	if len(head) > planResponseScanLength {
		head = head[:planResponseScanLength]
	}
	for _, pat := range m.CI.PlanResponsePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		if re.MatchString(head) {
			return true
		}
	}
	return false
}

// sortedPatternKeys returns the loaded pattern keys in sorted order; it
// has no callers in this repository, tests included.
func sortedPatternKeys(patterns map[string]domain.Agent) []string {
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
