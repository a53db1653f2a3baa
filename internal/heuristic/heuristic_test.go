package heuristic

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(p *Parser, fragments ...string) (string, []ToolCall) {
	var text strings.Builder
	var calls []ToolCall
	for _, f := range fragments {
		t, c := p.Feed(f)
		text.WriteString(t)
		calls = append(calls, c...)
	}
	t, c := p.Flush()
	text.WriteString(t)
	calls = append(calls, c...)
	return text.String(), calls
}

func TestPlainTextPassthrough(t *testing.T) {
	text, calls := feedAll(New(), "Just a normal ", "answer with no tools.")
	assert.Equal(t, "Just a normal answer with no tools.", text)
	assert.Empty(t, calls)
}

func TestJSONArgumentCall(t *testing.T) {
	text, calls := feedAll(New(), `I'll search now. ● <function=Grep>{"pattern": "TODO", "path": "src"}`)
	assert.Equal(t, "I'll search now. ", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "Grep", calls[0].Name)
	assert.False(t, calls[0].ParseError)

	var args map[string]string
	require.NoError(t, json.Unmarshal([]byte(calls[0].Arguments), &args))
	assert.Equal(t, "TODO", args["pattern"])
	assert.Equal(t, "src", args["path"])
	assert.True(t, strings.HasPrefix(calls[0].ID, "toolu_heur_"))
}

func TestJSONArgumentsSplitAcrossFragments(t *testing.T) {
	input := `before ● <function=Read>{"file_path": "/tmp/x.go", "limit": 10} after`
	for split := 1; split < len(input); split++ {
		text, calls := feedAll(New(), input[:split], input[split:])
		if !assert.Len(t, calls, 1, "split %d", split) {
			continue
		}
		assert.Equal(t, "Read", calls[0].Name, "split %d", split)
		assert.JSONEq(t, `{"file_path": "/tmp/x.go", "limit": 10}`, calls[0].Arguments, "split %d", split)
		assert.Equal(t, "before  after", text, "split %d", split)
	}
}

func TestNestedJSONAndStringsWithBraces(t *testing.T) {
	_, calls := feedAll(New(), `<function=Bash>{"command": "awk '{print $1}'", "env": {"A": "}"}}`)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"command": "awk '{print $1}'", "env": {"A": "}"}}`, calls[0].Arguments)
}

func TestParameterTagCall(t *testing.T) {
	text, calls := feedAll(New(),
		"● <function=Write><parameter=file_path>/tmp/a</parameter><parameter=content>hi</parameter>\ndone")
	require.Len(t, calls, 1)
	assert.Equal(t, "Write", calls[0].Name)
	assert.JSONEq(t, `{"file_path": "/tmp/a", "content": "hi"}`, calls[0].Arguments)
	assert.Contains(t, text, "done")
}

func TestMultipleSequentialCalls(t *testing.T) {
	_, calls := feedAll(New(),
		`● <function=Glob>{"pattern": "*.go"}`,
		` then ● <function=Grep>{"pattern": "func"}`)
	require.Len(t, calls, 2)
	assert.Equal(t, "Glob", calls[0].Name)
	assert.Equal(t, "Grep", calls[1].Name)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

func TestMalformedJSONAtEndOfStream(t *testing.T) {
	p := New()
	text, calls := p.Feed(`● <function=Edit>{"file_path": "/tmp/b", "old`)
	assert.Empty(t, calls)
	assert.Empty(t, text)

	flushed, calls := p.Flush()
	assert.Empty(t, flushed)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].ParseError)
	assert.Equal(t, "Edit", calls[0].Name)
	assert.Contains(t, calls[0].Raw, `"file_path"`)
}

func TestSloppyButCompleteJSONRepaired(t *testing.T) {
	// Trailing comma closes the object but fails strict validation.
	_, calls := feedAll(New(), `<function=Grep>{"pattern": "x",}`)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].ParseError)
	assert.JSONEq(t, `{"pattern": "x"}`, calls[0].Arguments)
}

func TestFalsePositiveMarkerReplayedAsText(t *testing.T) {
	text, calls := feedAll(New(), "use <function=foo> as syntax here")
	assert.Empty(t, calls)
	assert.Equal(t, "use <function=foo> as syntax here", text)
}

func TestControlTokensStripped(t *testing.T) {
	text, calls := feedAll(New(), "hello <|tool_", "call_end|>world")
	assert.Empty(t, calls)
	assert.Equal(t, "hello world", text)
}

func TestAngleBracketTextNotDelayed(t *testing.T) {
	p := New()
	text, _ := p.Feed("a < b and x<y are fine")
	assert.Equal(t, "a < b and x<y are fine", text)
}

func TestBulletSplitMidRune(t *testing.T) {
	marker := "● <function=Glob>{\"pattern\": \"*\"}"
	// Split inside the 3-byte bullet rune.
	_, calls := feedAll(New(), "go "+marker[:1], marker[1:])
	require.Len(t, calls, 1)
	assert.Equal(t, "Glob", calls[0].Name)
}

func TestUnterminatedTrailingParameterKept(t *testing.T) {
	p := New()
	p.Feed("● <function=Write><parameter=file_path>/tmp/c</parameter><parameter=content>partial")
	_, calls := p.Flush()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"file_path": "/tmp/c", "content": "partial"}`, calls[0].Arguments)
}
