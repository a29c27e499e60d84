// Package session implements the live show controller: the stateful glue
// binding the streaming client, the audio pipelines, the transcript
// reconciler, the secondary agents, and the store into one
// connect/disconnect/mute/save surface.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/internal/metrics"
	"github.com/voxstage/voxstage/pkg/audio"
	"github.com/voxstage/voxstage/pkg/live"
	"github.com/voxstage/voxstage/pkg/protocol"
	"github.com/voxstage/voxstage/pkg/store"
	"github.com/voxstage/voxstage/pkg/transcript"
)

// Control texts injected into the live conversation.
const (
	SignalStart      = "[START]"
	SignalContinue   = "[CONTINUE]"
	SignalFanComment = "[FAN_COMMENT]"
)

const defaultAutosaveInterval = 15 * time.Second

var (
	ErrAlreadyActive   = errors.New("session: already connecting or connected")
	ErrNoActiveSession = errors.New("session: no active session to save")
)

// State is the connection state of the controller.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

// LiveSession is the slice of the streaming client the controller drives.
// *live.Session satisfies it.
type LiveSession interface {
	Events() <-chan live.Event
	SendRealtimeInput(pcm []byte) error
	SendText(text string, turnComplete bool) error
	SendContent(text string, images []protocol.Blob, turnComplete bool) error
	SendToolResponses(responses []protocol.FunctionResponse) error
	Interrupt() error
	EndSession() error
	Close() error
}

// DialFunc opens a live session. The default wraps live.Connect.
type DialFunc func(ctx context.Context, cfg live.Config) (LiveSession, error)

// Microphone is the slice of the capture pipeline the controller drives.
type Microphone interface {
	Start()
	Stop()
	Recording() bool
	Close()
}

// MicrophoneFactory builds a microphone wired to the given callbacks. The
// default wraps audio.NewCapture at the capture format.
type MicrophoneFactory func(cb audio.CaptureCallbacks) (Microphone, error)

// Speaker is the slice of the playback pipeline the controller drives.
// *audio.Player satisfies it.
type Speaker interface {
	Write(data []byte)
	Flush()
	Resume()
	Close()
}

// Config describes one show.
type Config struct {
	LiveURL           string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	ProjectName       string

	// Hosts are the display names the backend prefixes lines with.
	Hosts []string

	// Tools declared to the backend. A tool's Scheduling is echoed on its
	// automatic response.
	Tools []protocol.FunctionDeclaration

	// AutoToolResponse answers every tool call with {result: "ok"}.
	AutoToolResponse bool

	// InitialPrompt replaces the default [START] signal sent once setup
	// completes.
	InitialPrompt string

	// EndShowPrompt is injected when the director calls for a wrap-up.
	EndShowPrompt string

	EnableAffectiveVoice bool
	EnableGrounding      bool

	AutosaveInterval time.Duration

	// Volume meter callbacks for the UI layer. Optional.
	OnMicVolume      func(level float64)
	OnPlaybackVolume func(level float64)
}

// Deps are the controller's collaborators. Store and Logger are required;
// nil agents are skipped by the fan-out; nil device/dial fields fall back to
// the real implementations.
type Deps struct {
	Store   store.Store
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	Fan      FanAgent
	Judge    JudgeAgent
	Director DirectorAgent

	Dial       DialFunc
	Microphone MicrophoneFactory
	Speaker    Speaker
	Clock      func() time.Time
}

// Controller owns one live recording session at a time.
type Controller struct {
	cfg   Config
	store store.Store
	met   *metrics.Metrics
	log   zerolog.Logger

	dial    DialFunc
	micFn   MicrophoneFactory
	speaker Speaker
	now     func() time.Time

	mainLog  *transcript.Log
	fanLog   *transcript.Log
	judgeLog *transcript.Log
	rec      *transcript.Reconciler

	aiBuf  *audio.ChunkBuffer
	micBuf *audio.ChunkBuffer

	dispatch *dispatcher

	mu            sync.Mutex
	state         State
	setupComplete bool
	muted         bool
	ending        bool
	sessionID     int64
	sessionStart  time.Time
	title         string
	sess          LiveSession
	mic           Microphone
	media         []store.MediaItem
	recoveredAI   []byte
	recoveredMic  []byte
	autosaveStop  chan struct{}
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session: store must not be nil")
	}
	if cfg.AutosaveInterval <= 0 {
		cfg.AutosaveInterval = defaultAutosaveInterval
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("voxstage")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	c := &Controller{
		cfg:      cfg,
		store:    deps.Store,
		met:      deps.Metrics,
		log:      deps.Logger.With().Str("component", "session").Logger(),
		dial:     deps.Dial,
		micFn:    deps.Microphone,
		speaker:  deps.Speaker,
		now:      deps.Clock,
		mainLog:  transcript.NewLog(),
		fanLog:   transcript.NewLog(),
		judgeLog: transcript.NewLog(),
		aiBuf:    audio.NewChunkBuffer(audio.PlaybackFormat),
		micBuf:   audio.NewChunkBuffer(audio.CaptureFormat),
		state:    StateIdle,
	}
	c.rec = transcript.NewReconciler(c.mainLog)
	c.rec.SetHosts(cfg.Hosts)
	c.rec.SetClock(c.now)

	if c.dial == nil {
		c.dial = func(ctx context.Context, lc live.Config) (LiveSession, error) {
			return live.Connect(ctx, lc)
		}
	}
	if c.micFn == nil {
		c.micFn = func(cb audio.CaptureCallbacks) (Microphone, error) {
			return audio.NewCapture(audio.CaptureFormat, cb, deps.Logger)
		}
	}
	if c.speaker == nil {
		player, err := audio.NewPlayer(audio.PlaybackFormat, cfg.OnPlaybackVolume, deps.Logger)
		if err != nil {
			return nil, err
		}
		c.speaker = player
	}

	c.dispatch = newDispatcher(dispatcherDeps{
		fan:      deps.Fan,
		judge:    deps.Judge,
		director: deps.Director,
		ctrl:     c,
		met:      c.met,
		log:      c.log,
		now:      c.now,
	})
	return c, nil
}

// State reports the connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetupComplete reports whether the backend has acknowledged the session.
func (c *Controller) SetupComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupComplete
}

// Muted reports the microphone mute flag.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// SetTitle names the session record saved by SaveSession.
func (c *Controller) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.title = title
}

// MainLog exposes the main transcript for observers.
func (c *Controller) MainLog() *transcript.Log { return c.mainLog }

// FanLog exposes the fan-chat transcript for observers.
func (c *Controller) FanLog() *transcript.Log { return c.fanLog }

// JudgeLog exposes the judge transcript for observers.
func (c *Controller) JudgeLog() *transcript.Log { return c.judgeLog }

// AddMedia attaches a generated media item to the active session.
func (c *Controller) AddMedia(item store.MediaItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, item)
}

// Connect starts a new live session. It rejects when one is already
// connecting or connected; on dial failure only the connecting flag is
// rolled back.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.state = StateConnecting
	c.ending = false
	c.setupComplete = false
	start := c.now()
	c.sessionStart = start
	c.sessionID = start.UnixMilli()
	c.recoveredAI = nil
	c.recoveredMic = nil
	c.media = nil
	c.mu.Unlock()

	// Fresh session: old turns and audio belong to the previous recording.
	c.mainLog.Clear()
	c.fanLog.Clear()
	c.judgeLog.Clear()
	c.aiBuf.Clear()
	c.micBuf.Clear()
	c.speaker.Resume()

	sess, err := c.dial(ctx, live.Config{
		URL:                  c.cfg.LiveURL,
		APIKey:               c.cfg.APIKey,
		Model:                c.cfg.Model,
		SystemInstruction:    c.cfg.SystemInstruction,
		Voice:                c.cfg.Voice,
		Tools:                c.cfg.Tools,
		EnableAffectiveVoice: c.cfg.EnableAffectiveVoice,
		EnableGrounding:      c.cfg.EnableGrounding,
		Logger:               c.log,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("session: connect: %w", err)
	}

	mic, err := c.micFn(audio.CaptureCallbacks{
		OnChunk:  c.onMicChunk,
		OnVolume: c.cfg.OnMicVolume,
	})
	if err != nil {
		_ = sess.Close()
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("session: microphone: %w", err)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.sess = sess
	c.mic = mic
	stop := make(chan struct{})
	c.autosaveStop = stop
	muted := c.muted
	c.mu.Unlock()

	if !muted {
		mic.Start()
	}
	c.met.RecordSessionStart()
	c.log.Info().Int64("session_id", c.sessionID).Msg("session connected")

	go c.eventLoop(sess)
	go c.autosaveLoop(stop)
	return nil
}

// Disconnect tears down the live session. Transcripts and audio buffers are
// kept for SaveSession.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

// SetMuted toggles the microphone. While connected it starts or stops
// capture without touching the connection; while idle it is a pure flag.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	connected := c.state == StateConnected
	mic := c.mic
	c.mu.Unlock()

	if !connected || mic == nil {
		return
	}
	if muted {
		mic.Stop()
	} else {
		mic.Start()
	}
}

// RequestEndShow begins the wrap-up sequence: auto-continue stops and the
// hosts are told to close the show.
func (c *Controller) RequestEndShow() {
	c.mu.Lock()
	c.ending = true
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return
	}
	prompt := c.cfg.EndShowPrompt
	if prompt == "" {
		prompt = "The show is over. Wrap up the current topic and say goodbye to the audience."
	}
	if err := sess.SendText(prompt, true); err != nil {
		c.log.Error().Err(err).Msg("end-show prompt failed")
	}
}

// Interrupt cuts off the in-flight model utterance.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Interrupt()
	}
	c.speaker.Flush()
}

// SendUserText injects a typed user message into the conversation.
func (c *Controller) SendUserText(text string) error {
	return c.SendUserContent(text, nil)
}

// SendUserContent injects a typed user message with optional inline images,
// like dropping a picture into the show for the hosts to react to.
func (c *Controller) SendUserContent(text string, images []protocol.Blob) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSession
	}
	turn := transcript.Turn{
		Role:      transcript.RoleUser,
		Text:      text,
		IsFinal:   true,
		Timestamp: c.now(),
	}
	for _, img := range images {
		turn.Images = append(turn.Images, transcript.Image{MimeType: img.MimeType, DataB64: img.DataB64})
	}
	c.mainLog.Append(turn)
	return sess.SendContent(text, images, true)
}

// Close releases the audio devices. The controller is unusable afterwards.
func (c *Controller) Close() {
	c.Disconnect()
	c.mu.Lock()
	mic := c.mic
	c.mic = nil
	c.mu.Unlock()
	if mic != nil {
		mic.Close()
	}
	c.speaker.Close()
}

func (c *Controller) onMicChunk(pcm []byte) {
	c.mu.Lock()
	sess := c.sess
	open := c.state == StateConnected && !c.muted
	c.mu.Unlock()
	if !open || sess == nil {
		return
	}
	c.micBuf.Append(pcm)
	c.met.RecordAudio("in", len(pcm))
	if err := sess.SendRealtimeInput(pcm); err != nil && !errors.Is(err, live.ErrSessionClosed) {
		c.log.Warn().Err(err).Msg("mic frame send failed")
	}
}

// eventLoop is the single consumer of a live session's event stream. All
// reconciler access happens here.
func (c *Controller) eventLoop(sess LiveSession) {
	for event := range sess.Events() {
		switch e := event.(type) {
		case live.OpenEvent:
			c.log.Debug().Msg("live stream open")
		case live.SetupCompleteEvent:
			c.onSetupComplete(sess, e.SessionID)
		case live.AudioEvent:
			c.speaker.Write(e.Data)
			c.aiBuf.Append(e.Data)
			c.met.RecordAudio("out", len(e.Data))
		case live.InputTranscriptionEvent:
			if entry, sealed := c.rec.ApplyInputTranscription(e.Text, e.Finished); sealed {
				c.met.RecordTurnSealed(string(entry.Turn.Role))
			}
		case live.OutputTranscriptionEvent:
			c.onOutputTranscription(sess, e)
		case live.ContentEvent:
			c.rec.ApplyContent(e.Content)
		case live.ToolCallEvent:
			c.onToolCall(sess, e.Calls)
		case live.InterruptedEvent:
			c.speaker.Flush()
		case live.TurnCompleteEvent:
			c.onTurnComplete(sess)
		case live.GoAwayEvent:
			c.log.Warn().Dur("time_left", e.TimeLeft).Msg("backend going away")
		case live.ErrorEvent:
			c.log.Error().Str("code", e.Code).Bool("close", e.Close).Msg(e.Message)
		case live.CloseEvent:
			c.onClose(sess, e.Err)
		}
	}
	// The emitter drops events when the channel backs up, so the channel can
	// close without a CloseEvent ever arriving. Tear down here in that case.
	c.onClose(sess, nil)
}

func (c *Controller) onSetupComplete(sess LiveSession, backendID string) {
	c.mu.Lock()
	c.setupComplete = true
	c.mu.Unlock()
	c.log.Info().Str("backend_session", backendID).Msg("setup complete")

	// The opening signal waits for setup so the backend never sees
	// conversational input before it is ready.
	initial := c.cfg.InitialPrompt
	if initial == "" {
		initial = SignalStart
	}
	if err := sess.SendText(initial, true); err != nil {
		c.log.Error().Err(err).Msg("initial signal failed")
	}
}

func (c *Controller) onToolCall(sess LiveSession, calls []protocol.FunctionCall) {
	if len(calls) == 0 {
		return
	}
	c.mainLog.Append(transcript.Turn{
		Role:           transcript.RoleSystem,
		Author:         "Producer",
		IsFinal:        true,
		Timestamp:      c.now(),
		ToolUseRequest: &transcript.ToolUseRequest{Calls: calls},
	})
	if !c.cfg.AutoToolResponse {
		return
	}

	responses := make([]protocol.FunctionResponse, 0, len(calls))
	for _, call := range calls {
		responses = append(responses, protocol.FunctionResponse{
			ID:         call.ID,
			Name:       call.Name,
			Response:   map[string]any{"result": "ok"},
			Scheduling: c.toolScheduling(call.Name),
		})
	}
	if err := sess.SendToolResponses(responses); err != nil {
		c.log.Error().Err(err).Msg("tool responses failed")
		return
	}
	c.mainLog.Append(transcript.Turn{
		Role:            transcript.RoleSystem,
		Author:          "Producer",
		IsFinal:         true,
		Timestamp:       c.now(),
		ToolUseResponse: &transcript.ToolUseResponse{Responses: responses},
	})
}

func (c *Controller) toolScheduling(name string) string {
	for _, t := range c.cfg.Tools {
		if t.Name == name && t.Scheduling != "" {
			return t.Scheduling
		}
	}
	return protocol.SchedulingInterrupt
}

func (c *Controller) onOutputTranscription(sess LiveSession, e live.OutputTranscriptionEvent) {
	entry, sealed, discarded := c.rec.ApplyOutputTranscription(e.Text, e.Finished)
	if discarded {
		c.met.RecordTurnDiscarded()
		return
	}
	if sealed {
		c.onAgentTurnSealed(sess, entry)
	}
}

func (c *Controller) onTurnComplete(sess LiveSession) {
	entry, sealed, discarded := c.rec.ApplyTurnComplete()
	if discarded {
		c.met.RecordTurnDiscarded()
		return
	}
	if !sealed {
		return
	}
	if entry.Turn.Role != transcript.RoleAgent {
		c.met.RecordTurnSealed(string(entry.Turn.Role))
		return
	}
	c.onAgentTurnSealed(sess, entry)
}

func (c *Controller) onAgentTurnSealed(sess LiveSession, entry transcript.Entry) {
	c.met.RecordTurnSealed(string(entry.Turn.Role))

	c.mu.Lock()
	connected := c.state == StateConnected
	ending := c.ending
	c.mu.Unlock()

	// The continue nudge keeps the synthetic hosts talking to each other.
	// It stops once the wrap-up sequence begins.
	if connected && !ending {
		if err := sess.SendText(SignalContinue, true); err != nil {
			c.log.Warn().Err(err).Msg("continue signal failed")
		}
	}
	c.dispatch.Offer(entry)
}

// onClose is a no-op unless sess is still the controller's current session,
// which makes the end-of-stream fallback in eventLoop idempotent.
func (c *Controller) onClose(sess LiveSession, err error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.setupComplete = false
	c.muted = false
	c.sess = nil
	mic := c.mic
	stop := c.autosaveStop
	c.autosaveStop = nil
	start := c.sessionStart
	c.mu.Unlock()

	if mic != nil {
		mic.Stop()
	}
	c.speaker.Flush()
	if stop != nil {
		close(stop)
	}
	if !start.IsZero() {
		c.met.RecordSessionEnd(sessionEndOutcome(err), c.now().Sub(start))
	}
	if err != nil {
		c.log.Error().Err(err).Msg("session closed with error")
	} else {
		c.log.Info().Msg("session closed")
	}
}

func (c *Controller) isHost(author string) bool {
	for _, host := range c.cfg.Hosts {
		if author == host {
			return true
		}
	}
	return false
}

// sendText pushes a turn-complete text into the live session, silently
// doing nothing when no session is active.
func (c *Controller) sendText(text string) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.SendText(text, true); err != nil && !errors.Is(err, live.ErrSessionClosed) {
		c.log.Warn().Err(err).Msg("text send failed")
	}
}

func sessionEndOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "clean"
}

// configSnapshot is the plain-data session configuration persisted with each
// record.
func (c *Controller) configSnapshot() json.RawMessage {
	toolNames := make([]string, 0, len(c.cfg.Tools))
	for _, t := range c.cfg.Tools {
		toolNames = append(toolNames, t.Name)
	}
	snap := map[string]any{
		"model":             c.cfg.Model,
		"voice":             c.cfg.Voice,
		"systemInstruction": c.cfg.SystemInstruction,
		"hosts":             c.cfg.Hosts,
		"tools":             toolNames,
		"projectName":       c.cfg.ProjectName,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Error().Err(err).Msg("config snapshot failed")
		return nil
	}
	return data
}
