package indexer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIgnoreSet_BuiltinDefaultsPruneNodeModules(t *testing.T) {
	set := NewIgnoreSet(t.TempDir(), nil)
	require.True(t, set.ShouldIgnore("node_modules/left-pad/index.js"))
	require.False(t, set.ShouldIgnore("src/main.go"))
}

func TestIgnoreSet_GitignoreIsReReadLive(t *testing.T) {
	dir := t.TempDir()
	set := NewIgnoreSet(dir, nil)
	require.False(t, set.ShouldIgnore("scratch/notes.md"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("scratch/\n"), 0o644))
	require.True(t, set.ShouldIgnore("scratch/notes.md"))
}

func TestIsSensitive_RejectsEnvAndKeys(t *testing.T) {
	require.True(t, IsSensitive(".env"))
	require.True(t, IsSensitive("config/credentials.json"))
	require.True(t, IsSensitive("certs/server.key"))
	require.False(t, IsSensitive("main.go"))
}

func TestDiscover_SkipsIgnoredDirAndSensitiveFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules/pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules/pkg/index.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))

	files, err := Discover(dir, NewIgnoreSet(dir, nil))
	require.NoError(t, err)
	require.Contains(t, files, "main.go")
	require.NotContains(t, files, ".env")
	for _, f := range files {
		require.NotContains(t, f, "node_modules")
	}
}

func TestDiscover_RejectsSymlinkEscapingRoot(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.go")
	require.NoError(t, os.WriteFile(outsideFile, []byte("package secret"), 0o644))
	require.NoError(t, os.Symlink(outsideFile, filepath.Join(dir, "linked.go")))

	files, err := Discover(dir, NewIgnoreSet(dir, nil))
	require.NoError(t, err)
	require.NotContains(t, files, "linked.go")
}

func TestChunk_GoFile_SplitsByFunction(t *testing.T) {
	src := "package main\n\nfunc A() {\n\treturn\n}\n\nfunc B() {\n\treturn\n}\n"
	chunks := Chunk("main.go", src)
	require.Len(t, chunks, 2)
	require.Equal(t, "function", chunks[0].ChunkType)
	require.Equal(t, "A", chunks[0].Name)
	require.Equal(t, "B", chunks[1].Name)
}

func TestChunk_UnsupportedLanguage_FallsBackToLineWindows(t *testing.T) {
	lines := make([]string, 250)
	for i := range lines {
		lines[i] = "line content"
	}
	content := ""
	for i, l := range lines {
		if i > 0 {
			content += "\n"
		}
		content += l
	}

	chunks := Chunk("notes.txt", content)
	require.True(t, len(chunks) > 1)
	require.Equal(t, "block", chunks[0].ChunkType)
}

func TestChunk_OversizedChunkIsSplit(t *testing.T) {
	body := ""
	for i := 0; i < 800; i++ {
		body += "x = 1\n"
	}
	src := "def big():\n" + body
	chunks := Chunk("big.py", src)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c.Content), maxChunkChars)
	}
	require.True(t, len(chunks) > 1)
}

func TestChunkID_StableForSameContent(t *testing.T) {
	id1 := chunkID("a.go", 1, 5, "func A() {}")
	id2 := chunkID("a.go", 1, 5, "func A() {}")
	require.Equal(t, id1, id2)
}
