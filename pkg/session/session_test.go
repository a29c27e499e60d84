package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/pkg/audio"
	"github.com/voxstage/voxstage/pkg/live"
	"github.com/voxstage/voxstage/pkg/protocol"
	"github.com/voxstage/voxstage/pkg/store"
	"github.com/voxstage/voxstage/pkg/transcript"
)

type fakeLive struct {
	events chan live.Event

	mu        sync.Mutex
	texts     []string
	images    [][]protocol.Blob
	audio     [][]byte
	responses [][]protocol.FunctionResponse
	closed    bool
}

func newFakeLive() *fakeLive {
	return &fakeLive{events: make(chan live.Event, 64)}
}

func (f *fakeLive) Events() <-chan live.Event { return f.events }

func (f *fakeLive) SendRealtimeInput(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeLive) SendText(text string, turnComplete bool) error {
	return f.SendContent(text, nil, turnComplete)
}

func (f *fakeLive) SendContent(text string, images []protocol.Blob, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return live.ErrSessionClosed
	}
	f.texts = append(f.texts, text)
	if len(images) > 0 {
		f.images = append(f.images, images)
	}
	return nil
}

func (f *fakeLive) SendToolResponses(responses []protocol.FunctionResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses)
	return nil
}

func (f *fakeLive) Interrupt() error  { return nil }
func (f *fakeLive) EndSession() error { return nil }

func (f *fakeLive) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.events <- live.CloseEvent{}
		close(f.events)
	}
	return nil
}

// dropStream ends the event stream without a CloseEvent, the way a drained
// emitter that had to drop it would.
func (f *fakeLive) dropStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeLive) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeLive) sentResponses() [][]protocol.FunctionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]protocol.FunctionResponse(nil), f.responses...)
}

type fakeMic struct {
	mu        sync.Mutex
	recording bool
	starts    int
	stops     int
}

func (m *fakeMic) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = true
	m.starts++
}

func (m *fakeMic) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = false
	m.stops++
}

func (m *fakeMic) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

func (m *fakeMic) Close() { m.Stop() }

type fakeSpeaker struct {
	mu      sync.Mutex
	written [][]byte
	flushes int
	resumes int
}

func (s *fakeSpeaker) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), data...))
}

func (s *fakeSpeaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *fakeSpeaker) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
}

func (s *fakeSpeaker) Close() {}

func (s *fakeSpeaker) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ctrl    *Controller
	sess    *fakeLive
	mic     *fakeMic
	speaker *fakeSpeaker
	store   *store.Memory
	clock   *fakeClock
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		sess:    newFakeLive(),
		mic:     &fakeMic{},
		speaker: &fakeSpeaker{},
		store:   store.NewMemory(),
		clock:   newFakeClock(),
	}
	cfg := Config{
		LiveURL:          "wss://example.test/session",
		Model:            "test-model",
		Voice:            "test-voice",
		Hosts:            []string{"Dana", "Marcus"},
		AutoToolResponse: true,
	}
	deps := Deps{
		Store:  h.store,
		Logger: zerolog.Nop(),
		Dial: func(context.Context, live.Config) (LiveSession, error) {
			return h.sess, nil
		},
		Microphone: func(audio.CaptureCallbacks) (Microphone, error) {
			return h.mic, nil
		},
		Speaker: h.speaker,
		Clock:   h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	ctrl, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.ctrl = ctrl
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasText(texts []string, want string) bool {
	for _, text := range texts {
		if text == want {
			return true
		}
	}
	return false
}

func TestController_ConnectRejectsWhenActive(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := h.ctrl.Connect(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyActive", err)
	}
	h.ctrl.Disconnect()
}

func TestController_ConnectFailureResetsState(t *testing.T) {
	dialErr := errors.New("backend unreachable")
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Dial = func(context.Context, live.Config) (LiveSession, error) {
			return nil, dialErr
		}
	})
	if err := h.ctrl.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("Connect() error = %v, want wrapped dial error", err)
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Fatalf("State() after failed connect = %q, want idle", got)
	}
	if h.speaker.resumes != 1 {
		t.Fatalf("playback resumes = %d, want 1", h.speaker.resumes)
	}
}

func TestController_SetupCompleteSendsStart(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.sess.events <- live.SetupCompleteEvent{SessionID: "abc"}

	waitFor(t, "start signal", func() bool {
		return hasText(h.sess.sentTexts(), SignalStart)
	})
	if !h.ctrl.SetupComplete() {
		t.Fatal("SetupComplete() = false after setupcomplete event")
	}
	h.ctrl.Disconnect()
}

func TestController_AutoContinueStopsWhenEnding(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	h.sess.events <- live.OutputTranscriptionEvent{Text: "Dana: welcome back"}
	h.sess.events <- live.TurnCompleteEvent{}
	waitFor(t, "continue signal", func() bool {
		return hasText(h.sess.sentTexts(), SignalContinue)
	})

	h.ctrl.RequestEndShow()
	before := len(h.sess.sentTexts())

	h.sess.events <- live.OutputTranscriptionEvent{Text: "Marcus: thanks everyone"}
	h.sess.events <- live.TurnCompleteEvent{}
	waitFor(t, "second turn sealed", func() bool {
		last, ok := h.ctrl.MainLog().Last()
		return ok && h.ctrl.MainLog().Len() == 2 && last.Turn.IsFinal
	})

	for _, text := range h.sess.sentTexts()[before:] {
		if text == SignalContinue {
			t.Fatal("continue signal sent after end-show was requested")
		}
	}
	h.ctrl.Disconnect()
}

func TestController_StreamEndWithoutCloseEventTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "mic capture", func() bool { return h.mic.Recording() })

	h.sess.dropStream()
	waitFor(t, "idle state", func() bool { return h.ctrl.State() == StateIdle })

	if h.mic.Recording() {
		t.Fatal("mic still capturing after the stream ended")
	}
	// Teardown ran exactly once; a later Disconnect finds no session.
	h.ctrl.Disconnect()
	if got := h.ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %q, want idle", got)
	}
}

func TestController_FinishedTranscriptionSealsWithoutTurnComplete(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	h.sess.events <- live.InputTranscriptionEvent{Text: "what's next", Finished: true}
	h.sess.events <- live.OutputTranscriptionEvent{Text: "Dana: glad you asked", Finished: true}
	waitFor(t, "continue signal", func() bool {
		return hasText(h.sess.sentTexts(), SignalContinue)
	})

	turns := h.ctrl.MainLog().Turns()
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if !turns[0].IsFinal || !turns[1].IsFinal {
		t.Fatalf("turns = %+v, want both sealed", turns)
	}

	// The backend's turn_complete after a finished transcription is a no-op.
	h.sess.events <- live.TurnCompleteEvent{}
	h.sess.events <- live.OutputTranscriptionEvent{Text: "Marcus: indeed", Finished: false}
	waitFor(t, "new open turn", func() bool { return h.ctrl.MainLog().Len() == 3 })
	if last, _ := h.ctrl.MainLog().Last(); last.Turn.IsFinal {
		t.Fatal("fresh turn sealed by stale turn_complete")
	}
	h.ctrl.Disconnect()
}

func TestController_EmptyAgentTurnDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// A content frame with a blank part opens an agent turn with nothing in
	// it; sealing it must drop the turn and send no continue nudge.
	h.sess.events <- live.ContentEvent{Content: protocol.ServerContent{
		Type:  "content",
		Parts: []protocol.ContentPart{{Text: ""}},
	}}
	waitFor(t, "open agent turn", func() bool { return h.ctrl.MainLog().Len() == 1 })

	h.sess.events <- live.TurnCompleteEvent{}
	waitFor(t, "turn discard", func() bool { return h.ctrl.MainLog().Len() == 0 })

	if hasText(h.sess.sentTexts(), SignalContinue) {
		t.Fatal("continue signal sent for a discarded turn")
	}
	h.ctrl.Disconnect()
}

func TestController_AudioRoutesToPlaybackAndAccumulator(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	h.sess.events <- live.AudioEvent{Seq: 1, Data: chunk}
	waitFor(t, "audio accumulation", func() bool { return h.ctrl.aiBuf.Len() == len(chunk) })

	h.speaker.mu.Lock()
	written := len(h.speaker.written)
	h.speaker.mu.Unlock()
	if written != 1 {
		t.Fatalf("playback writes = %d, want 1", written)
	}

	h.sess.events <- live.InterruptedEvent{}
	waitFor(t, "playback flush", func() bool { return h.speaker.flushCount() > 0 })
	h.ctrl.Disconnect()
}

func TestController_MicChunkRoutesToBackendAndAccumulator(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	chunk := []byte{0x10, 0x20, 0x30, 0x40}
	h.ctrl.onMicChunk(chunk)

	if h.ctrl.micBuf.Len() != len(chunk) {
		t.Fatalf("mic accumulator holds %d bytes, want %d", h.ctrl.micBuf.Len(), len(chunk))
	}
	h.sess.mu.Lock()
	sent := len(h.sess.audio)
	h.sess.mu.Unlock()
	if sent != 1 {
		t.Fatalf("realtime input frames = %d, want 1", sent)
	}

	// Muted chunks go nowhere.
	h.ctrl.SetMuted(true)
	h.ctrl.onMicChunk(chunk)
	if h.ctrl.micBuf.Len() != len(chunk) {
		t.Fatal("muted mic chunk was accumulated")
	}
	h.ctrl.Disconnect()
}

func TestController_MuteTogglesCaptureWithoutDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !h.mic.Recording() {
		t.Fatal("capture not started on connect")
	}

	h.ctrl.SetMuted(true)
	if h.mic.Recording() {
		t.Fatal("capture still running while muted")
	}
	if got := h.ctrl.State(); got != StateConnected {
		t.Fatalf("State() after mute = %q, want connected", got)
	}

	h.ctrl.SetMuted(false)
	if !h.mic.Recording() {
		t.Fatal("capture not restarted on unmute")
	}
	h.ctrl.Disconnect()
}

func TestController_SendUserContentCarriesImages(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.SendUserContent("hi", nil); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("SendUserContent() while idle = %v, want ErrNoActiveSession", err)
	}
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	img := protocol.Blob{MimeType: "image/png", DataB64: "aGk="}
	if err := h.ctrl.SendUserContent("what do you make of this?", []protocol.Blob{img}); err != nil {
		t.Fatalf("SendUserContent() error = %v", err)
	}

	h.sess.mu.Lock()
	sent := len(h.sess.images)
	h.sess.mu.Unlock()
	if sent != 1 {
		t.Fatalf("image payloads sent = %d, want 1", sent)
	}
	last, ok := h.ctrl.MainLog().Last()
	if !ok || !last.Turn.IsFinal || len(last.Turn.Images) != 1 {
		t.Fatalf("logged turn = %+v, want sealed user turn with one image", last.Turn)
	}
	if last.Turn.Images[0].MimeType != "image/png" {
		t.Errorf("image mime = %q", last.Turn.Images[0].MimeType)
	}
	h.ctrl.Disconnect()
}

func TestController_ToolCallAutoResponse(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Tools = []protocol.FunctionDeclaration{
			{Name: "set_scene", Scheduling: protocol.SchedulingSilent},
		}
	})
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	h.sess.events <- live.ToolCallEvent{Calls: []protocol.FunctionCall{
		{ID: "c1", Name: "set_scene", Args: map[string]any{"scene": "studio"}},
		{ID: "c2", Name: "unknown_tool"},
	}}
	waitFor(t, "tool response turns", func() bool { return h.ctrl.MainLog().Len() == 2 })

	responses := h.sess.sentResponses()
	if len(responses) != 1 || len(responses[0]) != 2 {
		t.Fatalf("sent responses = %v, want one batch of two", responses)
	}
	if got := responses[0][0].Scheduling; got != protocol.SchedulingSilent {
		t.Fatalf("declared tool scheduling = %q, want SILENT", got)
	}
	if got := responses[0][1].Scheduling; got != protocol.SchedulingInterrupt {
		t.Fatalf("default tool scheduling = %q, want INTERRUPT", got)
	}

	turns := h.ctrl.MainLog().Turns()
	if turns[0].ToolUseRequest == nil || turns[1].ToolUseResponse == nil {
		t.Fatal("tool call and response were not recorded as system turns")
	}
	for _, turn := range turns {
		if turn.Role != transcript.RoleSystem {
			t.Fatalf("tool turn role = %q, want system", turn.Role)
		}
	}
	h.ctrl.Disconnect()
}

func TestController_SaveWithoutSessionFails(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.SaveSession(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("SaveSession() error = %v, want ErrNoActiveSession", err)
	}
}

func TestController_SaveSessionPersistsAndClears(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	id := h.ctrl.sessionID

	h.sess.events <- live.OutputTranscriptionEvent{Text: "Dana: hello"}
	h.sess.events <- live.TurnCompleteEvent{}
	h.sess.events <- live.AudioEvent{Seq: 1, Data: []byte{0x00, 0x01, 0x02, 0x03}}
	waitFor(t, "session activity", func() bool {
		return h.ctrl.aiBuf.Len() == 4 && h.ctrl.MainLog().Len() == 1
	})
	h.ctrl.onMicChunk([]byte{0x0a, 0x0b})
	h.ctrl.Disconnect()

	if err := h.ctrl.SaveSession(context.Background()); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	saved, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if saved.Status != store.StatusComplete {
		t.Fatalf("saved status = %q, want complete", saved.Status)
	}
	if len(saved.MainTranscript) != 1 {
		t.Fatalf("saved transcript turns = %d, want 1", len(saved.MainTranscript))
	}
	pcm, format, err := audio.DecodeWAV(saved.PodcastAudio)
	if err != nil {
		t.Fatalf("DecodeWAV(podcast) error = %v", err)
	}
	if format.SampleRateHz != 24000 || len(pcm) != 4 {
		t.Fatalf("podcast WAV = %d Hz %d bytes, want 24000 Hz 4 bytes", format.SampleRateHz, len(pcm))
	}
	if _, format, err = audio.DecodeWAV(saved.MicAudio); err != nil || format.SampleRateHz != 16000 {
		t.Fatalf("mic WAV = %d Hz, err %v, want 16000 Hz", format.SampleRateHz, err)
	}

	if h.ctrl.MainLog().Len() != 0 || !h.ctrl.aiBuf.Empty() || !h.ctrl.micBuf.Empty() {
		t.Fatal("in-memory state not cleared after save")
	}
	if err := h.ctrl.SaveSession(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("second SaveSession() error = %v, want ErrNoActiveSession", err)
	}
}

func TestController_RecoverReusesAudioBlobs(t *testing.T) {
	wav := audio.EncodeWAV([]byte{0x01, 0x02}, audio.PlaybackFormat)
	crashed := &store.Session{
		ID:     1700000000000,
		Title:  "crashed show",
		Status: store.StatusIncomplete,
		MainTranscript: []transcript.Turn{
			{Role: transcript.RoleAgent, Author: "Dana", Text: "hello", IsFinal: true},
		},
		PodcastAudio: wav,
	}
	h := newHarness(t, nil)
	if err := h.store.SaveOrUpdateSession(context.Background(), crashed); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	found, err := h.ctrl.FindIncomplete(context.Background())
	if err != nil {
		t.Fatalf("FindIncomplete() error = %v", err)
	}
	h.ctrl.Recover(found)

	if h.ctrl.MainLog().Len() != 1 {
		t.Fatalf("recovered transcript turns = %d, want 1", h.ctrl.MainLog().Len())
	}
	if err := h.ctrl.SaveSession(context.Background()); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	saved, err := h.store.GetSession(context.Background(), crashed.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if saved.Status != store.StatusComplete {
		t.Fatalf("saved status = %q, want complete", saved.Status)
	}
	if string(saved.PodcastAudio) != string(wav) {
		t.Fatal("recovered audio blob was re-encoded instead of reused")
	}
}

func TestController_AutosaveWritesIncomplete(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.AutosaveInterval = 10 * time.Millisecond
	})
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	id := h.ctrl.sessionID

	h.sess.events <- live.OutputTranscriptionEvent{Text: "Dana: testing autosave"}
	waitFor(t, "autosaved record", func() bool {
		saved, err := h.store.FindIncompleteSession(context.Background())
		return err == nil && saved.ID == id
	})

	saved, err := h.store.FindIncompleteSession(context.Background())
	if err != nil {
		t.Fatalf("FindIncompleteSession() error = %v", err)
	}
	if saved.Status != store.StatusIncomplete {
		t.Fatalf("autosaved status = %q, want incomplete", saved.Status)
	}
	h.ctrl.Disconnect()
}

func TestVisibleTurns(t *testing.T) {
	turns := []transcript.Turn{
		{Role: transcript.RoleUser, Text: "hi"},
		{Role: transcript.RoleSystem, Text: "internal bookkeeping"},
		{Role: transcript.RoleSystem, Author: "Producer", Text: "note"},
		{Role: transcript.RoleSystem, ToolUseRequest: &transcript.ToolUseRequest{}},
		{Role: transcript.RoleAgent, Text: "hello"},
	}
	got := VisibleTurns(turns)
	if len(got) != 4 {
		t.Fatalf("VisibleTurns() kept %d turns, want 4", len(got))
	}
	for _, turn := range got {
		if turn.Role == transcript.RoleSystem && turn.Author == "" && turn.ToolUseRequest == nil {
			t.Fatalf("bare system turn %q leaked through the filter", turn.Text)
		}
	}
}

func TestSessionEndOutcome(t *testing.T) {
	if got := sessionEndOutcome(nil); got != "clean" {
		t.Fatalf("sessionEndOutcome(nil) = %q, want clean", got)
	}
	if got := sessionEndOutcome(fmt.Errorf("boom")); got != "error" {
		t.Fatalf("sessionEndOutcome(err) = %q, want error", got)
	}
}
