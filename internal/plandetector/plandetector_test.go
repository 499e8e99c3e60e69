package plandetector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/manifest"
)

func TestDetect_MatchesClaudePlansDir(t *testing.T) {
	reg, err := manifest.Load("")
	require.NoError(t, err)
	d := New("/repo", reg)

	res := d.Detect("/repo/.claude/plans/feature.md")
	require.True(t, res.IsPlan)
	require.Equal(t, domain.AgentClaude, res.Agent)
	require.False(t, res.IsGlobal)
}

func TestDetect_NonPlanPath(t *testing.T) {
	reg, err := manifest.Load("")
	require.NoError(t, err)
	d := New("/repo", reg)

	res := d.Detect("/repo/src/main.go")
	require.False(t, res.IsPlan)
}

func TestResolvePlanContent_KnownPathAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("this is a reasonably long plan body for testing"), 0o644))

	reg, err := manifest.Load("")
	require.NoError(t, err)
	d := New(dir, reg)

	res, ok := d.ResolvePlanContent(ResolveOptions{KnownPlanFilePath: planPath, MinContentLength: 5})
	require.True(t, ok)
	require.Equal(t, "known_path", res.Strategy)
}

func TestResolvePlanContent_RejectsBelowDoubleExisting(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("short"), 0o644))

	reg, err := manifest.Load("")
	require.NoError(t, err)
	d := New(dir, reg)

	_, ok := d.ResolvePlanContent(ResolveOptions{KnownPlanFilePath: planPath, ExistingContentLength: 100})
	require.False(t, ok)
}

func TestDetectPlanInResponse_MatchesCursorPattern(t *testing.T) {
	reg, err := manifest.Load("")
	require.NoError(t, err)

	require.True(t, DetectPlanInResponse("# Plan\n\nStep one...", reg, domain.AgentCursor))
	require.False(t, DetectPlanInResponse("just a normal reply", reg, domain.AgentCursor))
}
