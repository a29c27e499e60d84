package transcript

import (
	"testing"
	"time"

	"github.com/voxstage/voxstage/pkg/protocol"
)

func newTestReconciler() (*Reconciler, *Log) {
	log := NewLog()
	r := NewReconciler(log)
	r.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	return r, log
}

func TestReconciler_CoalescesFragmentsByRole(t *testing.T) {
	r, log := newTestReconciler()

	r.ApplyInputTranscription("so ", false)
	r.ApplyInputTranscription("what do ", false)
	r.ApplyInputTranscription("you think?", false)
	r.ApplyOutputTranscription("Great ", false)
	r.ApplyOutputTranscription("question.", false)

	turns := log.Turns()
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Text != "so what do you think?" {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != RoleAgent || turns[1].Text != "Great question." {
		t.Errorf("agent turn = %+v", turns[1])
	}

	// A role switch opens a new turn even though the previous one is still open.
	r.ApplyInputTranscription("right, ", false)
	if log.Len() != 3 {
		t.Fatalf("len = %d after role switch, want 3", log.Len())
	}
}

func TestReconciler_SealedTurnNeverMergedInto(t *testing.T) {
	r, log := newTestReconciler()

	r.ApplyInputTranscription("hello", false)
	if _, sealed, _ := r.ApplyTurnComplete(); !sealed {
		t.Fatal("ApplyTurnComplete() did not seal the open user turn")
	}
	r.ApplyInputTranscription("again", false)

	turns := log.Turns()
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if !turns[0].IsFinal || turns[0].Text != "hello" {
		t.Errorf("sealed turn mutated: %+v", turns[0])
	}
	if turns[1].IsFinal || turns[1].Text != "again" {
		t.Errorf("second turn = %+v", turns[1])
	}
}

func TestReconciler_FinishedFragmentSealsUserTurn(t *testing.T) {
	r, log := newTestReconciler()
	r.SetHosts([]string{"Dana"})

	r.ApplyInputTranscription("Hello", true)
	r.ApplyOutputTranscription("Dana: hi there", false)
	if _, sealed, _ := r.ApplyTurnComplete(); !sealed {
		t.Fatal("agent turn not sealed")
	}

	turns := log.Turns()
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if !turns[0].IsFinal || turns[0].Role != RoleUser || turns[0].Text != "Hello" {
		t.Errorf("user turn = %+v, want sealed", turns[0])
	}
	if !turns[1].IsFinal {
		t.Errorf("agent turn = %+v, want sealed", turns[1])
	}
}

func TestReconciler_FinishedFlagOnLaterFragment(t *testing.T) {
	r, log := newTestReconciler()

	if _, sealed := r.ApplyInputTranscription("what about ", false); sealed {
		t.Fatal("open fragment reported sealed")
	}
	entry, sealed := r.ApplyInputTranscription("the tour?", true)
	if !sealed {
		t.Fatal("finished fragment did not seal")
	}
	if entry.Turn.Text != "what about the tour?" {
		t.Errorf("text = %q", entry.Turn.Text)
	}

	// A bare finished marker with no text also seals the open turn.
	r.ApplyInputTranscription("trailing", false)
	if _, sealed := r.ApplyInputTranscription("", true); !sealed {
		t.Fatal("empty finished fragment did not seal")
	}
	if last, _ := log.Last(); !last.Turn.IsFinal {
		t.Errorf("turn = %+v, want sealed", last.Turn)
	}
}

func TestReconciler_FinishedOutputSealsOrDiscards(t *testing.T) {
	r, log := newTestReconciler()
	r.SetHosts([]string{"Dana"})

	entry, sealed, discarded := r.ApplyOutputTranscription("Dana: and we're back", true)
	if !sealed || discarded {
		t.Fatalf("sealed=%v discarded=%v, want sealed", sealed, discarded)
	}
	if entry.Turn.Author != "Dana" || !entry.Turn.IsFinal {
		t.Errorf("turn = %+v", entry.Turn)
	}

	// Whitespace-only output that finishes is discarded like an empty turn.
	_, sealed, discarded = r.ApplyOutputTranscription("   ", true)
	if sealed || !discarded {
		t.Fatalf("sealed=%v discarded=%v, want discard", sealed, discarded)
	}
	if log.Len() != 1 {
		t.Fatalf("len = %d, want 1", log.Len())
	}
}

func TestReconciler_HostAttribution(t *testing.T) {
	r, log := newTestReconciler()
	r.SetHosts([]string{"Dana", "Marcus"})

	// The prefix only completes after the second fragment.
	r.ApplyOutputTranscription("Mar", false)
	r.ApplyOutputTranscription("cus: welcome back ", false)
	r.ApplyOutputTranscription("everyone", false)
	r.ApplyTurnComplete()

	last, ok := log.Last()
	if !ok {
		t.Fatal("log empty")
	}
	if last.Turn.Author != "Marcus" {
		t.Errorf("author = %q, want %q", last.Turn.Author, "Marcus")
	}
	if last.Turn.Text != "welcome back everyone" {
		t.Errorf("text = %q", last.Turn.Text)
	}
}

func TestReconciler_UnknownSpeakerPrefixKept(t *testing.T) {
	r, log := newTestReconciler()
	r.SetHosts([]string{"Dana"})

	r.ApplyOutputTranscription("Caller: hi there", false)
	last, _ := log.Last()
	if last.Turn.Author != "" || last.Turn.Text != "Caller: hi there" {
		t.Errorf("turn = %+v, want prefix untouched", last.Turn)
	}
}

func TestReconciler_DiscardsEmptyAgentTurn(t *testing.T) {
	r, log := newTestReconciler()

	r.ApplyOutputTranscription("   ", false)
	entry, sealed, discarded := r.ApplyTurnComplete()
	if sealed || !discarded {
		t.Fatalf("sealed=%v discarded=%v, want discard", sealed, discarded)
	}
	if log.Len() != 0 {
		t.Fatalf("len = %d after discard, want 0", log.Len())
	}
	if entry.Turn.Role != RoleAgent {
		t.Errorf("discarded role = %q", entry.Turn.Role)
	}

	// Empty user turns are sealed, not discarded.
	r.ApplyInputTranscription(" ", false)
	if _, sealed, discarded := r.ApplyTurnComplete(); !sealed || discarded {
		t.Errorf("user turn sealed=%v discarded=%v", sealed, discarded)
	}
}

func TestReconciler_GroundingKeepsEmptyTextTurnAlive(t *testing.T) {
	r, log := newTestReconciler()

	r.ApplyContent(protocol.ServerContent{
		Type: "content",
		Grounding: &protocol.GroundingMetadata{
			Chunks:           []protocol.GroundingChunk{{Web: &protocol.GroundingWeb{URI: "https://example.com"}}},
			WebSearchQueries: []string{"live news"},
		},
	})
	_, sealed, discarded := r.ApplyTurnComplete()
	if !sealed || discarded {
		t.Fatalf("sealed=%v discarded=%v, want sealed grounded turn", sealed, discarded)
	}
	last, _ := log.Last()
	if len(last.Turn.GroundingChunks) != 1 || len(last.Turn.WebSearchQueries) != 1 {
		t.Errorf("grounding = %+v", last.Turn)
	}
}

func TestReconciler_ContentImages(t *testing.T) {
	r, log := newTestReconciler()

	r.ApplyOutputTranscription("here is the set ", false)
	r.ApplyContent(protocol.ServerContent{
		Type:  "content",
		Parts: []protocol.ContentPart{{InlineData: &protocol.Blob{MimeType: "image/png", DataB64: "aGk="}}},
	})
	last, _ := log.Last()
	if len(last.Turn.Images) != 1 || last.Turn.Images[0].MimeType != "image/png" {
		t.Errorf("images = %+v", last.Turn.Images)
	}
	if log.Len() != 1 {
		t.Errorf("content opened a second turn, len = %d", log.Len())
	}
}

func TestLog_SequenceIdentity(t *testing.T) {
	log := NewLog()
	a := log.Append(Turn{Role: RoleUser, Text: "one"})
	b := log.Append(Turn{Role: RoleAgent, Text: "two"})
	if a.Seq == b.Seq {
		t.Fatalf("duplicate seq %d", a.Seq)
	}
	log.RemoveLast()
	c := log.Append(Turn{Role: RoleAgent, Text: "three"})
	if c.Seq == b.Seq {
		t.Fatalf("seq %d reused after removal", b.Seq)
	}
	log.Clear()
	d := log.Append(Turn{Role: RoleUser, Text: "four"})
	if d.Seq <= c.Seq {
		t.Fatalf("seq restarted after Clear: %d <= %d", d.Seq, c.Seq)
	}
}

func TestLog_Tail(t *testing.T) {
	log := NewLog()
	for _, text := range []string{"a", "b", "c"} {
		log.Append(Turn{Role: RoleUser, Text: text})
	}
	tail := log.Tail(2)
	if len(tail) != 2 || tail[0].Text != "b" || tail[1].Text != "c" {
		t.Fatalf("Tail(2) = %+v", tail)
	}
	if got := log.Tail(10); len(got) != 3 {
		t.Fatalf("Tail(10) len = %d", len(got))
	}
}

func TestLog_RestoreAssignsFreshSeqs(t *testing.T) {
	log := NewLog()
	log.Append(Turn{Role: RoleUser, Text: "old"})
	log.Restore([]Turn{{Role: RoleUser, Text: "r1", IsFinal: true}, {Role: RoleAgent, Text: "r2", IsFinal: true}})
	entries := log.Entries()
	if len(entries) != 2 {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[0].Seq == 0 || entries[1].Seq <= entries[0].Seq {
		t.Fatalf("seqs = %d, %d", entries[0].Seq, entries[1].Seq)
	}
}
