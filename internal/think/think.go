// Package think extracts reasoning spans delimited by <think>...</think>
// tags from streamed model output. Input arrives as arbitrary fragments that
// can split a tag at any byte, so the parser buffers the longest trailing
// run that is still a prefix of a delimiter and re-evaluates it against the
// next fragment.
package think

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// Kind labels a parsed segment.
type Kind int

const (
	// Text is ordinary visible output.
	Text Kind = iota
	// Thinking is reasoning content between think tags.
	Thinking
)

// Segment is one run of parsed output.
type Segment struct {
	Kind    Kind
	Content string
}

// Parser is a streaming parser for think tags. The zero value is ready to use.
// One Parser belongs to exactly one in-flight response.
type Parser struct {
	buf    string
	inside bool
}

// InThinking reports whether the parser is currently inside a think span.
func (p *Parser) InThinking() bool { return p.inside }

// Feed consumes the next fragment and returns the segments that are now
// unambiguous. A fragment boundary never loses or duplicates output: anything
// that could still turn out to be a delimiter stays buffered.
func (p *Parser) Feed(content string) []Segment {
	p.buf += content

	var out []Segment
	for p.buf != "" {
		var seg *Segment
		if p.inside {
			seg = p.parseInside()
		} else {
			seg = p.parseOutside()
		}
		if seg == nil {
			break
		}
		out = append(out, *seg)
	}
	return out
}

func (p *Parser) parseOutside() *Segment {
	start := strings.Index(p.buf, openTag)
	orphanClose := strings.Index(p.buf, closeTag)

	// Some backends deliver reasoning through a dedicated field yet still
	// leak a bare closing tag into ordinary text. Strip it.
	if orphanClose != -1 && (start == -1 || orphanClose < start) {
		pre := p.buf[:orphanClose]
		p.buf = p.buf[orphanClose+len(closeTag):]
		if pre != "" {
			return &Segment{Kind: Text, Content: pre}
		}
		return p.parseOutside()
	}

	if start == -1 {
		if emit, held := splitTagPrefix(p.buf, false); held != "" {
			p.buf = held
			if emit != "" {
				return &Segment{Kind: Text, Content: emit}
			}
			return nil
		}
		emit := p.buf
		p.buf = ""
		if emit != "" {
			return &Segment{Kind: Text, Content: emit}
		}
		return nil
	}

	pre := p.buf[:start]
	p.buf = p.buf[start+len(openTag):]
	p.inside = true
	if pre != "" {
		return &Segment{Kind: Text, Content: pre}
	}
	return p.parseInside()
}

func (p *Parser) parseInside() *Segment {
	end := strings.Index(p.buf, closeTag)
	if end == -1 {
		if emit, held := splitTagPrefix(p.buf, true); held != "" {
			p.buf = held
			if emit != "" {
				return &Segment{Kind: Thinking, Content: emit}
			}
			return nil
		}
		emit := p.buf
		p.buf = ""
		if emit != "" {
			return &Segment{Kind: Thinking, Content: emit}
		}
		return nil
	}

	content := p.buf[:end]
	p.buf = p.buf[end+len(closeTag):]
	p.inside = false
	if content != "" {
		return &Segment{Kind: Thinking, Content: content}
	}
	return p.parseOutside()
}

// splitTagPrefix checks whether buf ends with a partial delimiter. It returns
// the emittable prefix and the fragment that must stay buffered. insideOnly
// restricts matching to the closing tag (the only delimiter valid inside a
// think span).
func splitTagPrefix(buf string, insideOnly bool) (emit, held string) {
	last := strings.LastIndexByte(buf, '<')
	if last == -1 {
		return "", ""
	}
	tail := buf[last:]
	if len(tail) >= len(closeTag) {
		return "", ""
	}
	partialClose := len(tail) < len(closeTag) && strings.HasPrefix(closeTag, tail)
	partialOpen := len(tail) < len(openTag) && strings.HasPrefix(openTag, tail)
	if partialClose || (!insideOnly && partialOpen) {
		return buf[:last], tail
	}
	return "", ""
}

// Flush returns whatever is still buffered when the stream ends. An
// unterminated think span is surfaced as Thinking rather than dropped.
func (p *Parser) Flush() *Segment {
	if p.buf == "" {
		return nil
	}
	kind := Text
	if p.inside {
		kind = Thinking
	}
	seg := &Segment{Kind: kind, Content: p.buf}
	p.buf = ""
	return seg
}

// Reset returns the parser to its initial state.
func (p *Parser) Reset() {
	p.buf = ""
	p.inside = false
}
