// Package scriptplan parses streamed shooting scripts. The film director
// model emits a JSON array of scene objects; Parser yields each scene as
// soon as its closing brace arrives, without waiting for the array to end.
package scriptplan

import (
	"encoding/json"
	"fmt"
)

// Scene is one planned shot of b-roll.
type Scene struct {
	Title           string  `json:"title,omitempty"`
	Description     string  `json:"description"`
	ImagePrompt     string  `json:"imagePrompt,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// Parser extracts balanced top-level {...} spans from an incrementally
// streamed byte sequence. It tracks string literals, so braces inside scene
// text do not confuse it. Array punctuation between objects is ignored,
// which also tolerates models that emit "}{" without a comma.
type Parser struct {
	buf      []byte
	start    int // object start index, -1 while outside an object
	depth    int
	inString bool
	escaped  bool
}

func NewParser() *Parser {
	return &Parser{start: -1}
}

// Feed consumes the next chunk and returns the raw objects completed by it.
func (p *Parser) Feed(chunk []byte) []json.RawMessage {
	var out []json.RawMessage
	base := len(p.buf)
	p.buf = append(p.buf, chunk...)

	for i := base; i < len(p.buf); i++ {
		c := p.buf[i]
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
			if p.depth > 0 {
				p.inString = true
			}
		case '{':
			if p.depth == 0 {
				p.start = i
			}
			p.depth++
		case '}':
			if p.depth == 0 {
				continue
			}
			p.depth--
			if p.depth == 0 && p.start >= 0 {
				obj := make(json.RawMessage, i+1-p.start)
				copy(obj, p.buf[p.start:i+1])
				out = append(out, obj)
				p.start = -1
			}
		}
	}

	// Drop consumed bytes once no object is open.
	if p.depth == 0 {
		p.buf = p.buf[:0]
	} else if p.start > 0 {
		p.buf = append(p.buf[:0:0], p.buf[p.start:]...)
		p.start = 0
	}
	return out
}

// FeedScenes is Feed plus decoding. Objects that are not valid scenes
// produce an error but do not stall the stream; later objects still parse.
func (p *Parser) FeedScenes(chunk []byte) ([]Scene, error) {
	var firstErr error
	raws := p.Feed(chunk)
	scenes := make([]Scene, 0, len(raws))
	for _, raw := range raws {
		var s Scene
		if err := json.Unmarshal(raw, &s); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("scriptplan: decode scene: %w", err)
			}
			continue
		}
		scenes = append(scenes, s)
	}
	return scenes, firstErr
}
