// Package live implements the streaming session client: a duplex websocket
// connection to the generative voice backend that carries realtime audio up
// and audio, transcriptions, content, and tool calls down.
package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/pkg/protocol"
)

const defaultConnectTimeout = 15 * time.Second

var ErrSessionClosed = errors.New("live: session closed")

// Config describes one live session.
type Config struct {
	// URL is the websocket endpoint of the backend.
	URL    string
	APIKey string

	Model             string
	SystemInstruction string
	Voice             string
	Tools             []protocol.FunctionDeclaration

	EnableAffectiveVoice bool
	EnableGrounding      bool

	AudioIn  protocol.AudioFormat
	AudioOut protocol.AudioFormat

	// Dialer overrides the websocket dialer. Used by tests.
	Dialer *websocket.Dialer

	Logger zerolog.Logger
}

func (c Config) setupFrame() protocol.ClientSetup {
	audioIn := c.AudioIn
	if audioIn.SampleRateHz == 0 {
		audioIn = protocol.AudioFormat{Encoding: protocol.EncodingPCM16, SampleRateHz: 16000, Channels: 1}
	}
	audioOut := c.AudioOut
	if audioOut.SampleRateHz == 0 {
		audioOut = protocol.AudioFormat{Encoding: protocol.EncodingPCM16, SampleRateHz: 24000, Channels: 1}
	}
	return protocol.ClientSetup{
		Type:                 "setup",
		ProtocolVersion:      protocol.ProtocolVersion1,
		Model:                strings.TrimSpace(c.Model),
		SystemInstruction:    c.SystemInstruction,
		Voice:                strings.TrimSpace(c.Voice),
		AudioIn:              audioIn,
		AudioOut:             audioOut,
		Tools:                c.Tools,
		EnableAffectiveVoice: c.EnableAffectiveVoice,
		EnableGrounding:      c.EnableGrounding,
	}
}

// Session is a connected live session. Events arrive on Events(); send
// methods are safe for concurrent use.
type Session struct {
	conn *websocket.Conn
	log  zerolog.Logger

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	audioSeq  atomic.Int64

	errMu sync.Mutex
	err   error
}

// Connect dials the backend and sends the setup frame. The returned session
// immediately emits OpenEvent; SetupCompleteEvent follows once the backend
// acknowledges the setup.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	setup := cfg.setupFrame()
	if err := protocol.ValidateSetup(setup); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("live: url must not be empty")
	}

	headers := make(http.Header)
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("live: dial %s (status %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("live: dial %s: %w", cfg.URL, err)
	}

	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("live: send setup: %w", err)
	}

	s := &Session{
		conn:   conn,
		log:    cfg.Logger.With().Str("component", "live").Logger(),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	s.emit(OpenEvent{})
	go s.readLoop()
	return s, nil
}

// Events yields session events. The channel closes after CloseEvent.
func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// SendRealtimeInput streams one microphone PCM chunk to the backend.
func (s *Session) SendRealtimeInput(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	frame := protocol.ClientAudioFrame{
		Type:    "audio_frame",
		Seq:     s.audioSeq.Add(1),
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	}
	return s.sendJSON(frame)
}

// SendText injects a text turn. With turnComplete the backend responds to it
// immediately; without it the text joins the open turn.
func (s *Session) SendText(text string, turnComplete bool) error {
	return s.SendContent(text, nil, turnComplete)
}

// SendContent injects a turn of text and/or inline images.
func (s *Session) SendContent(text string, images []protocol.Blob, turnComplete bool) error {
	if text == "" && len(images) == 0 {
		return fmt.Errorf("live: content must carry text or images")
	}
	return s.sendJSON(protocol.ClientText{
		Type:         "text",
		Text:         text,
		InlineImages: images,
		TurnComplete: turnComplete,
	})
}

// SendToolResponses answers one or more pending tool calls. Responses
// without an explicit scheduling default to INTERRUPT.
func (s *Session) SendToolResponses(responses []protocol.FunctionResponse) error {
	if len(responses) == 0 {
		return nil
	}
	out := make([]protocol.FunctionResponse, len(responses))
	for i, r := range responses {
		if r.Scheduling == "" {
			r.Scheduling = protocol.SchedulingInterrupt
		}
		out[i] = r
	}
	return s.sendJSON(protocol.ClientToolResponse{Type: "tool_response", Responses: out})
}

// Interrupt asks the backend to abandon the in-flight response.
func (s *Session) Interrupt() error {
	return s.sendJSON(protocol.ClientControl{Type: "control", Op: "interrupt"})
}

// EndSession requests a graceful shutdown.
func (s *Session) EndSession() error {
	return s.sendJSON(protocol.ClientControl{Type: "control", Op: "end_session"})
}

func (s *Session) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("live: session must not be nil")
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close tears the session down and waits for the read loop to finish.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error, if any. It blocks until the
// session has closed.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(CloseEvent{})
				return
			}
			s.setErr(err)
			s.emit(CloseEvent{Err: err})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		switch m := msg.(type) {
		case protocol.ServerSetupComplete:
			s.emit(SetupCompleteEvent{SessionID: m.SessionID})
		case protocol.ServerInputTranscription:
			s.emit(InputTranscriptionEvent{Text: m.Text, Finished: m.Finished})
		case protocol.ServerOutputTranscription:
			s.emit(OutputTranscriptionEvent{Text: m.Text, Finished: m.Finished})
		case protocol.ServerContent:
			s.emit(ContentEvent{Content: m})
		case protocol.ServerAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(m.DataB64)
			if err != nil {
				s.log.Warn().Err(err).Msg("dropping audio chunk with bad base64")
				continue
			}
			s.emit(AudioEvent{Seq: m.Seq, Data: pcm})
		case protocol.ServerToolCall:
			s.emit(ToolCallEvent{Calls: m.Calls})
		case protocol.ServerInterrupted:
			s.emit(InterruptedEvent{})
		case protocol.ServerTurnComplete:
			s.emit(TurnCompleteEvent{})
		case protocol.ServerGoAway:
			s.emit(GoAwayEvent{TimeLeft: time.Duration(m.TimeLeftMS) * time.Millisecond})
		case protocol.ServerErrorFrame:
			s.emit(ErrorEvent{Code: m.Code, Message: m.Message, Close: m.Close})
			if m.Close {
				s.setErr(fmt.Errorf("live: backend error %s: %s", m.Code, m.Message))
			}
		}
	}
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		// Avoid deadlocking the read loop if the consumer stops draining.
		s.log.Warn().Str("event", event.EventType()).Msg("event channel full, dropping")
	}
}
