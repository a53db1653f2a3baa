// Package tokens estimates token counts for requests and streamed output.
// It uses the o200k_base BPE when the encoding can be loaded and falls back
// to a bytes/4 heuristic when it cannot (the encoder fetches its ranks file
// on first use, which can fail offline).
package tokens

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lmrelay/go-claudeproxy/internal/types"
)

const encodingName = "o200k_base"

// fallbackDivisor approximates tokens from byte length when no encoder is
// available. Four bytes per token tracks English prose closely enough for
// usage reporting.
const fallbackDivisor = 4

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			return
		}
		enc = e
	})
	return enc
}

// Count returns the token count of text.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if e := encoder(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	n := len(text) / fallbackDivisor
	if n == 0 {
		n = 1
	}
	return n
}

// CountRequest estimates input tokens across system prompt, messages and
// tool definitions. Per-message framing overhead is charged at a flat rate.
func CountRequest(system json.RawMessage, messages []types.AnthropicMessage, tools []types.AnthropicTool) int {
	const perMessageOverhead = 4

	total := 0
	if sys, err := types.ParseSystemText(system); err == nil {
		total += Count(sys)
	}
	for i := range messages {
		total += perMessageOverhead
		blocks, err := messages[i].ParseContent()
		if err != nil {
			total += Count(string(messages[i].Content))
			continue
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				total += Count(b.Text)
			case "thinking":
				total += Count(b.Thinking)
			case "tool_use":
				total += Count(b.Name)
				if args, err := json.Marshal(b.Input); err == nil {
					total += Count(string(args))
				}
			case "tool_result":
				total += Count(types.ParseToolResultText(b.Content))
			case "image":
				// flat charge, actual vision token cost is model specific
				total += 1500
			}
		}
	}
	for _, t := range tools {
		total += Count(t.Name) + Count(t.Description)
		if schema, err := json.Marshal(t.InputSchema); err == nil {
			total += Count(string(schema))
		}
	}
	return total
}
