package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePort_IsDeterministicAndInRange(t *testing.T) {
	p1 := DerivePort("/some/project", "", "")
	p2 := DerivePort("/some/project", "", "")
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, PortRangeMin)
	assert.LessOrEqual(t, p1, PortRangeMax)
}

func TestDerivePort_DifferentPathsDifferentPorts(t *testing.T) {
	p1 := DerivePort("/some/project-a", "", "")
	p2 := DerivePort("/some/project-b", "", "")
	assert.NotEqual(t, p1, p2)
}

func TestDerivePort_LocalOverrideTakesPriority(t *testing.T) {
	dir := t.TempDir()
	localFile := filepath.Join(dir, "daemon.port")
	require.NoError(t, os.WriteFile(localFile, []byte("38123"), 0o644))

	p := DerivePort("/some/project", localFile, "")
	assert.Equal(t, 38123, p)
}

func TestDerivePort_TeamSharedUsedWhenNoLocalOverride(t *testing.T) {
	dir := t.TempDir()
	teamFile := filepath.Join(dir, "team.port")
	require.NoError(t, os.WriteFile(teamFile, []byte("38456"), 0o644))

	p := DerivePort("/some/project", filepath.Join(dir, "missing.port"), teamFile)
	assert.Equal(t, 38456, p)
}
