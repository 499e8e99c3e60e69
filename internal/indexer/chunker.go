package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/oak-dev/ci-daemon/internal/domain"
)

// Language maps a file extension to its chunking rules. No tree-sitter
// (or other real-AST) binding exists anywhere in the retrieval pack, so
// declaration boundaries are found with per-language regular
// expressions matched against line starts, an approximation of an AST
// pass, not a real parser.
type Language struct {
	Name        string
	Extensions  []string
	declPattern *regexp.Regexp // capture group 1 = chunk type, group 2 = name
}

var languages = []Language{
	{Name: "python", Extensions: []string{".py"}, declPattern: regexp.MustCompile(`^\s*(?:async\s+)?(def|class)\s+(\w+)`)},
	{Name: "javascript", Extensions: []string{".js", ".jsx", ".mjs"}, declPattern: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?(function|class)\s+(\w+)`)},
	{Name: "typescript", Extensions: []string{".ts", ".tsx"}, declPattern: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?(function|class|interface|type|enum)\s+(\w+)`)},
	{Name: "go", Extensions: []string{".go"}, declPattern: regexp.MustCompile(`^(func)\s+(?:\([^)]*\)\s*)?(\w+)|^(type)\s+(\w+)\s+(?:struct|interface)`)},
	{Name: "rust", Extensions: []string{".rs"}, declPattern: regexp.MustCompile(`^\s*(?:pub\s+)?(fn|struct|enum|trait|impl)\s+(\w+)`)},
	{Name: "java", Extensions: []string{".java"}, declPattern: regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(?:static\s+)?(?:final\s+)?(class|interface|enum)\s+(\w+)`)},
	{Name: "ruby", Extensions: []string{".rb"}, declPattern: regexp.MustCompile(`^\s*(def|class|module)\s+([\w:.?!]+)`)},
	{Name: "php", Extensions: []string{".php"}, declPattern: regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(function|class|interface|trait)\s+(\w+)`)},
	{Name: "cpp", Extensions: []string{".cpp", ".cc", ".cxx", ".hpp", ".h", ".c"}, declPattern: regexp.MustCompile(`^\s*(?:class|struct)\s+(\w+)`)},
	{Name: "csharp", Extensions: []string{".cs"}, declPattern: regexp.MustCompile(`^\s*(?:public|private|protected|internal)?\s*(?:static\s+)?(class|interface|struct|enum)\s+(\w+)`)},
	{Name: "swift", Extensions: []string{".swift"}, declPattern: regexp.MustCompile(`^\s*(?:public|private|internal)?\s*(func|class|struct|enum|protocol)\s+(\w+)`)},
	{Name: "kotlin", Extensions: []string{".kt", ".kts"}, declPattern: regexp.MustCompile(`^\s*(?:public|private|internal)?\s*(fun|class|interface|object)\s+(\w+)`)},
	{Name: "scala", Extensions: []string{".scala"}, declPattern: regexp.MustCompile(`^\s*(?:private|protected)?\s*(def|class|object|trait)\s+(\w+)`)},
}

// textLanguageExtensions name the language of config/doc formats, which
// hold no declarations to split on; they are line-chunked like any other
// unrecognized file, with chunk type "block".
var textLanguageExtensions = map[string]string{
	".md": "markdown", ".yaml": "yaml", ".yml": "yaml", ".json": "json",
	".toml": "toml", ".sh": "shell", ".bash": "shell",
}

func languageFor(ext string) (Language, bool) {
	for _, l := range languages {
		for _, e := range l.Extensions {
			if e == ext {
				return l, true
			}
		}
	}
	return Language{}, false
}

const (
	defaultLineWindow   = 100
	defaultLineOverlap  = 10
	maxChunkChars       = 4000 // embedding model's approximate character budget
)

// Chunk produces domain.CodeChunk records for file content at relPath.
// It uses the AST-like declaration regex for a recognized language,
// falls back to overlapping line windows for everything else (including
// the catalogued text formats, treated as a single chunk-per-window
// language), and splits any chunk whose content exceeds the embedding
// budget.
func Chunk(relPath, content string) []domain.CodeChunk {
	ext := extOf(relPath)
	lines := strings.Split(content, "\n")

	var chunks []domain.CodeChunk
	if lang, ok := languageFor(ext); ok {
		chunks = chunkByDeclaration(relPath, lang, lines)
	}
	if len(chunks) == 0 {
		language := textLanguageExtensions[ext]
		if language == "" {
			language = strings.TrimPrefix(ext, ".")
		}
		chunks = lineChunk(relPath, language, lines, defaultLineWindow, defaultLineOverlap)
	}

	return splitOversized(chunks)
}

func extOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(path[idx:])
}

// chunkByDeclaration scans lines for the language's declaration pattern
// and cuts a new chunk at each match, running to the next match or EOF.
func chunkByDeclaration(relPath string, lang Language, lines []string) []domain.CodeChunk {
	type boundary struct {
		line      int
		chunkType string
		name      string
	}
	var boundaries []boundary
	for i, line := range lines {
		m := lang.declPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		chunkType, name := classifyMatch(m)
		if name == "" {
			continue
		}
		boundaries = append(boundaries, boundary{line: i, chunkType: chunkType, name: name})
	}
	if len(boundaries) == 0 {
		return nil
	}

	chunks := make([]domain.CodeChunk, 0, len(boundaries))
	for i, b := range boundaries {
		end := len(lines) - 1
		if i+1 < len(boundaries) {
			end = boundaries[i+1].line - 1
		}
		content := strings.Join(lines[b.line:end+1], "\n")
		chunks = append(chunks, domain.CodeChunk{
			ID:        chunkID(relPath, b.line, end, content),
			Content:   content,
			FilePath:  relPath,
			Language:  lang.Name,
			ChunkType: normalizeChunkType(b.chunkType),
			Name:      b.name,
			StartLine: b.line + 1,
			EndLine:   end + 1,
		})
	}
	return chunks
}

func classifyMatch(m []string) (chunkType, name string) {
	// Groups vary by pattern (some have 2, some 3 capture groups); take
	// the first two non-empty groups after the full match.
	var parts []string
	for _, g := range m[1:] {
		if g != "" {
			parts = append(parts, g)
		}
	}
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return "type", parts[0]
	}
	return parts[0], parts[1]
}

func normalizeChunkType(keyword string) string {
	switch keyword {
	case "def", "fn", "func", "function", "constructor":
		return "function"
	case "class":
		return "class"
	case "struct":
		return "struct"
	case "enum":
		return "enum"
	case "trait", "protocol":
		return "trait"
	case "impl":
		return "impl"
	case "interface":
		return "interface"
	case "type", "module", "object":
		return "type"
	default:
		return "function"
	}
}

// lineChunk splits lines into overlapping windows of windowSize lines,
// used for unsupported languages per spec.md §4.6.
func lineChunk(relPath, language string, lines []string, windowSize, overlap int) []domain.CodeChunk {
	if len(lines) == 0 {
		return nil
	}
	var chunks []domain.CodeChunk
	step := windowSize - overlap
	if step <= 0 {
		step = windowSize
	}
	for start := 0; start < len(lines); start += step {
		end := start + windowSize
		if end > len(lines) {
			end = len(lines)
		}
		content := strings.Join(lines[start:end], "\n")
		chunks = append(chunks, domain.CodeChunk{
			ID:        chunkID(relPath, start, end-1, content),
			Content:   content,
			FilePath:  relPath,
			Language:  language,
			ChunkType: "block",
			StartLine: start + 1,
			EndLine:   end,
		})
		if end == len(lines) {
			break
		}
	}
	return chunks
}

// splitOversized re-splits any chunk whose content exceeds
// maxChunkChars into smaller line-bounded pieces, preserving the
// original chunk's metadata (path, language, type, name) on every
// piece.
func splitOversized(chunks []domain.CodeChunk) []domain.CodeChunk {
	out := make([]domain.CodeChunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Content) <= maxChunkChars {
			out = append(out, c)
			continue
		}
		lines := strings.Split(c.Content, "\n")
		pieces := lineChunk(c.FilePath, c.Language, lines, defaultLineWindow, defaultLineOverlap)
		for i := range pieces {
			pieces[i].ChunkType = c.ChunkType
			pieces[i].Name = c.Name
			pieces[i].StartLine += c.StartLine - 1
			pieces[i].EndLine += c.StartLine - 1
			pieces[i].ID = chunkID(c.FilePath, pieces[i].StartLine, pieces[i].EndLine, pieces[i].Content)
		}
		out = append(out, pieces...)
	}
	return out
}

// chunkID derives a stable id from file path, line range, and content so
// re-indexing an unchanged region upserts to the same vector point.
func chunkID(relPath string, startLine, endLine int, content string) string {
	h := sha256.Sum256([]byte(relPath + "\x00" + content))
	return relPath + ":" + itoa(startLine) + "-" + itoa(endLine) + ":" + hex.EncodeToString(h[:8])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
