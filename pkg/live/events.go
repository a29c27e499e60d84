package live

import (
	"time"

	"github.com/voxstage/voxstage/pkg/protocol"
)

// Event is emitted by Session.Events(). Consumers switch on the concrete
// type; EventType is for logging.
type Event interface {
	EventType() string
}

// OpenEvent fires once the websocket is connected and setup has been sent.
type OpenEvent struct{}

func (OpenEvent) EventType() string { return "open" }

// SetupCompleteEvent fires when the backend has accepted the session setup.
type SetupCompleteEvent struct {
	SessionID string
}

func (SetupCompleteEvent) EventType() string { return "setupcomplete" }

// AudioEvent carries one chunk of decoded agent PCM at the output format.
type AudioEvent struct {
	Seq  int64
	Data []byte
}

func (AudioEvent) EventType() string { return "audio" }

// InputTranscriptionEvent carries a fragment of the user's transcribed
// speech. Finished marks the last fragment of the utterance.
type InputTranscriptionEvent struct {
	Text     string
	Finished bool
}

func (InputTranscriptionEvent) EventType() string { return "inputTranscription" }

// OutputTranscriptionEvent carries a fragment of the agent's transcribed speech.
type OutputTranscriptionEvent struct {
	Text     string
	Finished bool
}

func (OutputTranscriptionEvent) EventType() string { return "outputTranscription" }

// ContentEvent carries non-audio model output: text parts, inline images,
// grounding metadata.
type ContentEvent struct {
	Content protocol.ServerContent
}

func (ContentEvent) EventType() string { return "content" }

// ToolCallEvent carries one or more function calls requested by the backend.
type ToolCallEvent struct {
	Calls []protocol.FunctionCall
}

func (ToolCallEvent) EventType() string { return "toolcall" }

// InterruptedEvent fires when the backend abandons the in-flight response.
type InterruptedEvent struct{}

func (InterruptedEvent) EventType() string { return "interrupted" }

// TurnCompleteEvent fires when the agent finishes a turn.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) EventType() string { return "turncomplete" }

// GoAwayEvent warns that the backend will close the connection soon.
type GoAwayEvent struct {
	TimeLeft time.Duration
}

func (GoAwayEvent) EventType() string { return "goaway" }

// ErrorEvent surfaces a backend-reported error.
type ErrorEvent struct {
	Code    string
	Message string
	Close   bool
}

func (ErrorEvent) EventType() string { return "error" }

// CloseEvent is the final event on the channel before it closes. Err is nil
// on a clean shutdown.
type CloseEvent struct {
	Err error
}

func (CloseEvent) EventType() string { return "close" }
