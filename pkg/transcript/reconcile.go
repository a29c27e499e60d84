package transcript

import (
	"strings"
	"time"

	"github.com/voxstage/voxstage/pkg/protocol"
)

// Reconciler folds streaming transcription and content fragments into the
// turns of a Log. It is not safe for concurrent use; callers drive it from a
// single event loop.
type Reconciler struct {
	log   *Log
	hosts []string
	now   func() time.Time
}

func NewReconciler(log *Log) *Reconciler {
	return &Reconciler{log: log, now: time.Now}
}

// SetHosts configures the show's host names used for speaker attribution.
func (r *Reconciler) SetHosts(names []string) {
	r.hosts = append([]string(nil), names...)
}

// SetClock overrides the timestamp source.
func (r *Reconciler) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// ApplyInputTranscription merges a user speech fragment into the trailing
// open user turn, or opens a new one. A finished fragment seals the turn, so
// user utterances do not stay open once the agent starts answering. The
// returned entry is valid when sealed is true.
func (r *Reconciler) ApplyInputTranscription(text string, finished bool) (entry Entry, sealed bool) {
	last, open := r.log.Last()
	open = open && last.Turn.Role == RoleUser && !last.Turn.IsFinal
	if text == "" && !(finished && open) {
		return Entry{}, false
	}
	if !open {
		r.log.Append(Turn{Role: RoleUser, Text: text, Timestamp: r.now(), IsFinal: finished})
	} else {
		r.log.UpdateLast(func(t *Turn) {
			t.Text += text
			t.IsFinal = finished
		})
	}
	if !finished {
		return Entry{}, false
	}
	last, _ = r.log.Last()
	return last, true
}

// ApplyOutputTranscription merges an agent speech fragment into the trailing
// open agent turn, opening one if needed, and re-attributes the speaker when
// the accumulated text begins with a known host name prefix. A finished
// fragment seals the turn; a finished turn left empty is discarded instead.
func (r *Reconciler) ApplyOutputTranscription(text string, finished bool) (entry Entry, sealed, discarded bool) {
	last, open := r.log.Last()
	open = open && last.Turn.Role == RoleAgent && !last.Turn.IsFinal
	if text == "" && !(finished && open) {
		return Entry{}, false, false
	}
	r.openAgentTurn()
	r.log.UpdateLast(func(t *Turn) {
		t.Text += text
		r.attribute(t)
	})
	if !finished {
		return Entry{}, false, false
	}
	return r.sealTrailingAgentTurn()
}

// ApplyContent merges non-audio model output (text parts, inline images,
// grounding metadata) into the trailing open agent turn.
func (r *Reconciler) ApplyContent(msg protocol.ServerContent) {
	if len(msg.Parts) == 0 && msg.Grounding == nil {
		return
	}
	r.openAgentTurn()
	r.log.UpdateLast(func(t *Turn) {
		for _, part := range msg.Parts {
			if part.Text != "" {
				t.Text += part.Text
			}
			if part.InlineData != nil && part.InlineData.DataB64 != "" {
				t.Images = append(t.Images, Image{
					MimeType: part.InlineData.MimeType,
					DataB64:  part.InlineData.DataB64,
				})
			}
		}
		if g := msg.Grounding; g != nil {
			t.GroundingChunks = append(t.GroundingChunks, g.Chunks...)
			t.WebSearchQueries = append(t.WebSearchQueries, g.WebSearchQueries...)
			t.URLContextMetadata = append(t.URLContextMetadata, g.URLContext...)
		}
		r.attribute(t)
	})
}

// ApplyTurnComplete seals the trailing open turn. An agent turn that closed
// with no text, images, or grounding is discarded instead of sealed. The
// returned entry is valid when sealed or discarded is true.
func (r *Reconciler) ApplyTurnComplete() (entry Entry, sealed, discarded bool) {
	last, ok := r.log.Last()
	if !ok || last.Turn.IsFinal {
		return Entry{}, false, false
	}
	if last.Turn.Role == RoleAgent {
		return r.sealTrailingAgentTurn()
	}
	r.log.UpdateLast(func(t *Turn) { t.IsFinal = true })
	last, _ = r.log.Last()
	return last, true, false
}

func (r *Reconciler) sealTrailingAgentTurn() (entry Entry, sealed, discarded bool) {
	if last, ok := r.log.Last(); ok && last.Turn.Empty() {
		removed, _ := r.log.RemoveLast()
		return removed, false, true
	}
	r.log.UpdateLast(func(t *Turn) { t.IsFinal = true })
	last, _ := r.log.Last()
	return last, true, false
}

func (r *Reconciler) openAgentTurn() Entry {
	if last, ok := r.log.Last(); ok && last.Turn.Role == RoleAgent && !last.Turn.IsFinal {
		return last
	}
	return r.log.Append(Turn{Role: RoleAgent, Timestamp: r.now()})
}

// attribute moves a leading "Name: " prefix into the author field when Name
// is one of the configured hosts. Attribution happens once per turn.
func (r *Reconciler) attribute(t *Turn) {
	if t.Author != "" {
		return
	}
	trimmed := strings.TrimLeft(t.Text, " ")
	for _, host := range r.hosts {
		prefix := host + ":"
		if strings.HasPrefix(trimmed, prefix) {
			t.Author = host
			t.Text = strings.TrimLeft(strings.TrimPrefix(trimmed, prefix), " ")
			return
		}
	}
}
