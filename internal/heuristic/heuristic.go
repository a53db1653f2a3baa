// Package heuristic recognizes tool invocations that models emit as plain
// text instead of through the structured tool-call channel. The expected
// shape is a named-call marker, optionally preceded by a bullet, followed by
// the call's arguments:
//
//	● <function=Grep>{"pattern": "TODO", "path": "src"}
//
// Arguments may also arrive in the tag form some models produce:
//
//	<function=Grep><parameter=pattern>TODO</parameter>
//
// Narrative text before a marker is passed through without delay; once a
// marker is seen, subsequent text is buffered per call until the arguments
// form a complete JSON value or the stream ends.
package heuristic

import (
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

const (
	bullet = "●" // ●
	tagLit = "<function="

	// maxMarkerWindow bounds how much text may be withheld while deciding
	// whether a candidate is really a marker. Past this, the candidate is
	// released as ordinary text one byte at a time.
	maxMarkerWindow = 160

	// maxControlToken mirrors the sentinel-token shape "<|...|>" with a
	// bounded interior, so an unmatched "<|" cannot buffer text forever.
	maxControlToken = 96
)

var (
	markerRe = regexp.MustCompile(`^(?:` + bullet + `[ \t]*)?<function=([A-Za-z0-9_][A-Za-z0-9_.-]*)>`)
	paramRe  = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*?)</parameter>`)
	// trailingParamRe captures an unterminated final parameter at end of stream.
	trailingParamRe = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*)$`)
	// Models occasionally leak internal sentinel tokens such as
	// "<|tool_call_end|>" into content. These are never shown downstream.
	controlTokenRe = regexp.MustCompile(`<\|[^|>]{1,80}\|>`)
)

// ToolCall is one detected tool invocation. Arguments holds the complete
// JSON argument object. When the stream ended before the arguments formed
// valid JSON, ParseError is set and Raw carries the unparsed buffer.
type ToolCall struct {
	ID         string
	Name       string
	Arguments  string
	Raw        string
	ParseError bool
}

type state int

const (
	stateText state = iota
	stateAfterMarker
	stateJSON
	stateParams
)

// Parser is a streaming heuristic tool-call parser. The zero value is not
// usable; call New. One Parser belongs to exactly one in-flight response.
type Parser struct {
	state state
	buf   string

	// current call being assembled
	name   string
	raw    strings.Builder // everything consumed since the marker, for false-positive replay
	argBuf strings.Builder
	params map[string]string

	// JSON scanner state for the argument object
	depth    int
	inString bool
	escaped  bool
}

// New creates a parser in the text state.
func New() *Parser {
	return &Parser{}
}

// Feed consumes the next text fragment. It returns the text that should be
// forwarded verbatim and any tool calls that finalized during this fragment.
func (p *Parser) Feed(text string) (string, []ToolCall) {
	p.buf += text
	p.buf = controlTokenRe.ReplaceAllString(p.buf, "")

	var out strings.Builder
	var calls []ToolCall

	for {
		switch p.state {
		case stateText:
			if !p.scanText(&out) {
				return out.String(), calls
			}
		case stateAfterMarker:
			if !p.scanAfterMarker(&out) {
				return out.String(), calls
			}
		case stateJSON:
			call, progress := p.scanJSON()
			if call != nil {
				calls = append(calls, *call)
			}
			if !progress {
				return out.String(), calls
			}
		case stateParams:
			call, progress := p.scanParams(&out)
			if call != nil {
				calls = append(calls, *call)
			}
			if !progress {
				return out.String(), calls
			}
		}
	}
}

// scanText emits plain text up to the next marker candidate. Returns false
// when the loop should stop and wait for more input.
func (p *Parser) scanText(out *strings.Builder) bool {
	if p.buf == "" {
		return false
	}

	if loc := markerSearch(p.buf); loc >= 0 {
		out.WriteString(p.buf[:loc])
		p.buf = p.buf[loc:]

		if m := markerRe.FindStringSubmatch(p.buf); m != nil {
			p.beginCall(m[1], m[0])
			p.buf = p.buf[len(m[0]):]
			p.state = stateAfterMarker
			return true
		}

		// Candidate but no complete marker yet. Hold it, bounded.
		if len(p.buf) > maxMarkerWindow {
			out.WriteString(p.buf[:1])
			p.buf = p.buf[1:]
			return true
		}
		return false
	}

	out.WriteString(p.buf)
	p.buf = ""
	return false
}

// scanAfterMarker decides between the JSON and parameter-tag argument forms.
func (p *Parser) scanAfterMarker(out *strings.Builder) bool {
	// Whitespace between the marker and the arguments is tolerated.
	for p.buf != "" {
		c := p.buf[0]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			p.raw.WriteByte(c)
			p.buf = p.buf[1:]
			continue
		}
		break
	}
	if p.buf == "" {
		return false
	}

	switch p.buf[0] {
	case '{':
		p.state = stateJSON
		return true
	case '<':
		if strings.HasPrefix(p.buf, "<parameter=") {
			p.state = stateParams
			return true
		}
		if strings.HasPrefix("<parameter=", p.buf) {
			return false // partial tag, wait
		}
		// Not an argument form we know. The marker was a false positive.
		p.abandonCall(out)
		return true
	default:
		p.abandonCall(out)
		return true
	}
}

// scanJSON advances the brace scanner over the argument object. It finalizes
// the call once the top-level value closes.
func (p *Parser) scanJSON() (*ToolCall, bool) {
	for i := 0; i < len(p.buf); i++ {
		c := p.buf[i]
		p.argBuf.WriteByte(c)

		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}
		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
			if p.depth == 0 {
				p.buf = p.buf[i+1:]
				return p.finalizeJSON(), true
			}
		}
	}
	p.buf = ""
	return nil, false
}

// scanParams consumes <parameter=...> tags until the call looks complete.
func (p *Parser) scanParams(out *strings.Builder) (*ToolCall, bool) {
	for {
		loc := paramRe.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			break
		}
		// Anything before the tag is formatting between parameters; keep it
		// visible rather than silently dropping it.
		out.WriteString(p.buf[:loc[0]])
		key := strings.TrimSpace(p.buf[loc[2]:loc[3]])
		val := strings.TrimSpace(p.buf[loc[4]:loc[5]])
		p.params[key] = val
		p.buf = p.buf[loc[1]:]
	}

	if idx := strings.Index(p.buf, bullet); idx >= 0 {
		out.WriteString(p.buf[:idx])
		p.buf = p.buf[idx:]
		return p.finalizeParams(), true
	}

	trimmed := strings.TrimSpace(p.buf)
	if trimmed != "" && !strings.HasPrefix(trimmed, "<") && !strings.Contains(p.buf, "<parameter=") {
		out.WriteString(p.buf)
		p.buf = ""
		return p.finalizeParams(), true
	}

	return nil, false
}

func (p *Parser) beginCall(name, rawMarker string) {
	p.name = name
	p.raw.Reset()
	p.raw.WriteString(rawMarker)
	p.argBuf.Reset()
	p.params = map[string]string{}
	p.depth = 0
	p.inString = false
	p.escaped = false
}

// abandonCall replays a false-positive marker as ordinary text.
func (p *Parser) abandonCall(out *strings.Builder) {
	out.WriteString(p.raw.String())
	p.raw.Reset()
	p.state = stateText
}

func (p *Parser) finalizeJSON() *ToolCall {
	args := p.argBuf.String()
	call := &ToolCall{ID: newToolID(), Name: p.name}
	if json.Valid([]byte(args)) {
		call.Arguments = args
	} else if repaired, err := jsonrepair.JSONRepair(args); err == nil && json.Valid([]byte(repaired)) {
		call.Arguments = repaired
	} else {
		call.Raw = args
		call.ParseError = true
	}
	p.resetCall()
	return call
}

func (p *Parser) finalizeParams() *ToolCall {
	args, err := json.Marshal(p.params)
	call := &ToolCall{ID: newToolID(), Name: p.name}
	if err != nil {
		call.ParseError = true
	} else {
		call.Arguments = string(args)
	}
	p.resetCall()
	return call
}

func (p *Parser) resetCall() {
	p.name = ""
	p.raw.Reset()
	p.argBuf.Reset()
	p.params = nil
	p.state = stateText
}

// Flush drains the parser at end of stream. A call stuck mid-JSON is
// surfaced as a parse failure rather than dropped; a call in the parameter
// form keeps whatever parameters were collected, including an unterminated
// trailing one.
func (p *Parser) Flush() (string, []ToolCall) {
	p.buf = controlTokenRe.ReplaceAllString(p.buf, "")

	switch p.state {
	case stateText:
		text := p.buf
		p.buf = ""
		return text, nil

	case stateAfterMarker:
		text := p.raw.String() + p.buf
		p.buf = ""
		p.resetCall()
		return text, nil

	case stateJSON:
		// Consume whatever is left so Raw reflects the full buffer.
		for i := 0; i < len(p.buf); i++ {
			p.argBuf.WriteByte(p.buf[i])
		}
		p.buf = ""
		call := ToolCall{
			ID:         newToolID(),
			Name:       p.name,
			Raw:        p.argBuf.String(),
			ParseError: true,
		}
		p.resetCall()
		return "", []ToolCall{call}

	case stateParams:
		if m := trailingParamRe.FindStringSubmatch(p.buf); m != nil {
			p.params[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
		}
		p.buf = ""
		return "", []ToolCall{*p.finalizeParams()}
	}
	return "", nil
}

// markerSearch returns the earliest index at which the buffer could contain
// a marker (a bullet or a "<function=" tag, possibly still incomplete), or
// -1 when the whole buffer is safe to emit.
func markerSearch(buf string) int {
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if c != '<' && c != bullet[0] {
			continue
		}
		tail := buf[i:]
		if markerRe.MatchString(tail) || couldBeMarkerPrefix(tail) || couldBeControlPrefix(tail) {
			return i
		}
	}
	return -1
}

// couldBeMarkerPrefix reports whether tail is a byte-prefix of some valid
// marker. The bullet is multi-byte, so this must work mid-rune.
func couldBeMarkerPrefix(tail string) bool {
	if strings.HasPrefix(tail, bullet) {
		rest := strings.TrimLeft(tail[len(bullet):], " \t")
		return rest == "" || couldBeTagPrefix(rest)
	}
	if strings.HasPrefix(bullet, tail) {
		return true
	}
	return couldBeTagPrefix(tail)
}

func couldBeTagPrefix(tail string) bool {
	if len(tail) <= len(tagLit) {
		return strings.HasPrefix(tagLit, tail)
	}
	if !strings.HasPrefix(tail, tagLit) {
		return false
	}
	rest := tail[len(tagLit):]
	for i := 0; i < len(rest); i++ {
		if !isNameByte(rest[i]) {
			return false
		}
	}
	return true
}

// couldBeControlPrefix reports whether tail could be the start of an
// unterminated "<|...|>" sentinel token.
func couldBeControlPrefix(tail string) bool {
	if tail == "<" {
		return true
	}
	if !strings.HasPrefix(tail, "<|") {
		return false
	}
	return len(tail) <= maxControlToken && !strings.Contains(tail, "|>")
}

func isNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == '-':
		return true
	}
	return false
}

func newToolID() string {
	u := uuid.New()
	return "toolu_heur_" + hex.EncodeToString(u[:])[:8]
}
