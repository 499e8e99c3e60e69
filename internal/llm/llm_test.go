package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExtractionResponse_CodeBlock(t *testing.T) {
	raw := "```json\n{\"observations\":[{\"type\":\"gotcha\",\"observation\":\"foo breaks on nil\",\"context\":\"pkg/foo\"}],\"summary\":\"fixed a nil bug\"}\n```"
	result := parseExtractionResponse(raw)
	require.Len(t, result.Observations, 1)
	require.Equal(t, "gotcha", result.Observations[0].Type)
	require.Equal(t, "fixed a nil bug", result.Summary)
}

func TestParseExtractionResponse_BareObject(t *testing.T) {
	raw := "here you go: {\"observations\":[],\"summary\":\"nothing notable\"} thanks"
	result := parseExtractionResponse(raw)
	require.Empty(t, result.Observations)
	require.Equal(t, "nothing notable", result.Summary)
}

func TestParseExtractionResponse_SummaryAsList(t *testing.T) {
	raw := `{"observations":[],"summary":["did", "a thing"]}`
	result := parseExtractionResponse(raw)
	require.Equal(t, "did a thing", result.Summary)
}

func TestParseExtractionResponse_MalformedFallsBackGracefully(t *testing.T) {
	result := parseExtractionResponse("not json at all")
	require.Empty(t, result.Observations)
	require.Equal(t, "not json at all", result.Summary)
}

func TestParseExtractionResponse_Empty(t *testing.T) {
	result := parseExtractionResponse("")
	require.Empty(t, result.Observations)
	require.Empty(t, result.Summary)
}

func TestStripReasoningTokens(t *testing.T) {
	raw := "<think>internal chatter</think>{\"observations\":[]}"
	require.Equal(t, `{"observations":[]}`, stripReasoningTokens(raw))
}

func TestChain_IsAvailable_NoProvidersConfigured(t *testing.T) {
	c := New(Config{})
	require.False(t, c.IsAvailable())
}

func TestChain_IsAvailable_WithOpenAI(t *testing.T) {
	c := New(Config{OpenAIModel: "gpt-4o-mini", OpenAIAPIKey: "test-key"})
	require.True(t, c.IsAvailable())
}
