// Package protocol defines the JSON frame protocol spoken between the
// streaming session client and the generative voice backend. Every frame is a
// single JSON object carrying a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCM16 = "pcm_s16le"

	// Tool response scheduling modes. Interrupt is the default applied when
	// a tool call carries no explicit scheduling.
	SchedulingInterrupt = "INTERRUPT"
	SchedulingWhenIdle  = "WHEN_IDLE"
	SchedulingSilent    = "SILENT"
)

// DecodeError reports a frame the decoder could not accept.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the PCM shape of one direction of the stream.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// FunctionDeclaration advertises a callable tool to the backend.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Scheduling  string         `json:"scheduling,omitempty"`
}

// ClientSetup opens a session. It must be the first frame on the wire.
type ClientSetup struct {
	Type                 string                `json:"type"`
	ProtocolVersion      string                `json:"protocol_version"`
	Model                string                `json:"model"`
	SystemInstruction    string                `json:"system_instruction,omitempty"`
	Voice                string                `json:"voice,omitempty"`
	AudioIn              AudioFormat           `json:"audio_in"`
	AudioOut             AudioFormat           `json:"audio_out"`
	Tools                []FunctionDeclaration `json:"tools,omitempty"`
	EnableAffectiveVoice bool                  `json:"enable_affective_voice,omitempty"`
	EnableGrounding      bool                  `json:"enable_grounding,omitempty"`
}

// ClientAudioFrame carries one chunk of realtime microphone PCM.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// ClientText injects a turn of text and/or inline images into the
// conversation. At least one of the two must be present.
type ClientText struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	InlineImages []Blob `json:"inline_images,omitempty"`
	TurnComplete bool   `json:"turn_complete"`
}

// FunctionResponse answers a single tool call.
type FunctionResponse struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Response   map[string]any `json:"response"`
	Scheduling string         `json:"scheduling,omitempty"`
}

type ClientToolResponse struct {
	Type      string             `json:"type"`
	Responses []FunctionResponse `json:"responses"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// ValidateSetup checks a setup frame before it is sent or accepted.
func ValidateSetup(msg ClientSetup) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badFrame("setup.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.Model) == "" {
		return badFrame("setup.model is required", "model")
	}
	for _, f := range []struct {
		name   string
		format AudioFormat
	}{{"audio_in", msg.AudioIn}, {"audio_out", msg.AudioOut}} {
		if strings.TrimSpace(f.format.Encoding) == "" {
			return badFrame("setup."+f.name+".encoding is required", f.name+".encoding")
		}
		if f.format.SampleRateHz <= 0 {
			return badFrame("setup."+f.name+".sample_rate_hz must be > 0", f.name+".sample_rate_hz")
		}
		if f.format.Channels <= 0 {
			return badFrame("setup."+f.name+".channels must be > 0", f.name+".channels")
		}
	}
	seen := make(map[string]struct{}, len(msg.Tools))
	for i, tool := range msg.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return badFrame("setup.tools entries must be named", fmt.Sprintf("tools[%d].name", i))
		}
		if _, dup := seen[name]; dup {
			return badFrame("setup.tools entries must be unique", fmt.Sprintf("tools[%d].name", i))
		}
		seen[name] = struct{}{}
		switch tool.Scheduling {
		case "", SchedulingInterrupt, SchedulingWhenIdle, SchedulingSilent:
		default:
			return unsupported("unsupported tool scheduling", fmt.Sprintf("tools[%d].scheduling", i))
		}
	}
	return nil
}

// DecodeClientMessage parses and validates a frame sent by the client.
// Session fakes and the tests use it to stand in for the backend side.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case "setup":
		var msg ClientSetup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid setup frame", "")
		}
		if err := ValidateSetup(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badFrame("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "text":
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid text frame", "")
		}
		if msg.Text == "" && len(msg.InlineImages) == 0 {
			return nil, badFrame("text frame needs text or inline_images", "text")
		}
		for i, img := range msg.InlineImages {
			if strings.TrimSpace(img.DataB64) == "" {
				return nil, badFrame("inline images need data_b64", fmt.Sprintf("inline_images[%d].data_b64", i))
			}
		}
		return msg, nil
	case "tool_response":
		var msg ClientToolResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool_response", "")
		}
		if len(msg.Responses) == 0 {
			return nil, badFrame("tool_response.responses is required", "responses")
		}
		for i, r := range msg.Responses {
			if strings.TrimSpace(r.Name) == "" {
				return nil, badFrame("tool_response responses must be named", fmt.Sprintf("responses[%d].name", i))
			}
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		switch op {
		case "interrupt", "end_session":
		case "":
			return nil, badFrame("control.op is required", "op")
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badFrame("unsupported message type", "type")
	}
}

type ServerSetupComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ServerInputTranscription is a fragment of the user's transcribed speech.
// Finished marks the last fragment of the utterance.
type ServerInputTranscription struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// ServerOutputTranscription is a fragment of the agent's transcribed speech.
type ServerOutputTranscription struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// Blob is inline binary content, base64 on the wire.
type Blob struct {
	MimeType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

type GroundingWeb struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

type GroundingChunk struct {
	Web *GroundingWeb `json:"web,omitempty"`
}

type URLMetadata struct {
	RetrievedURL string `json:"retrieved_url"`
	Status       string `json:"status,omitempty"`
}

type GroundingMetadata struct {
	Chunks           []GroundingChunk `json:"chunks,omitempty"`
	WebSearchQueries []string         `json:"web_search_queries,omitempty"`
	URLContext       []URLMetadata    `json:"url_context,omitempty"`
}

type ContentPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inline_data,omitempty"`
}

// ServerContent carries non-audio model output for the current turn.
type ServerContent struct {
	Type      string             `json:"type"`
	Parts     []ContentPart      `json:"parts,omitempty"`
	Grounding *GroundingMetadata `json:"grounding,omitempty"`
}

type ServerAudioChunk struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ServerToolCall struct {
	Type  string         `json:"type"`
	Calls []FunctionCall `json:"calls"`
}

type ServerInterrupted struct {
	Type string `json:"type"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerGoAway struct {
	Type       string `json:"type"`
	TimeLeftMS int64  `json:"time_left_ms,omitempty"`
}

type ServerErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

// DecodeServerMessage parses a frame received from the backend.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case "setup_complete":
		var msg ServerSetupComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid setup_complete", "")
		}
		return msg, nil
	case "input_transcription":
		var msg ServerInputTranscription
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid input_transcription", "")
		}
		return msg, nil
	case "output_transcription":
		var msg ServerOutputTranscription
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid output_transcription", "")
		}
		return msg, nil
	case "content":
		var msg ServerContent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid content", "")
		}
		return msg, nil
	case "audio_chunk":
		var msg ServerAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badFrame("audio_chunk.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "tool_call":
		var msg ServerToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool_call", "")
		}
		if len(msg.Calls) == 0 {
			return nil, badFrame("tool_call.calls is required", "calls")
		}
		for i, c := range msg.Calls {
			if strings.TrimSpace(c.Name) == "" {
				return nil, badFrame("tool_call calls must be named", fmt.Sprintf("calls[%d].name", i))
			}
		}
		return msg, nil
	case "interrupted":
		var msg ServerInterrupted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid interrupted", "")
		}
		return msg, nil
	case "turn_complete":
		var msg ServerTurnComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid turn_complete", "")
		}
		return msg, nil
	case "go_away":
		var msg ServerGoAway
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid go_away", "")
		}
		return msg, nil
	case "error":
		var msg ServerErrorFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, badFrame("unsupported message type", "type")
	}
}

func frameType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badFrame("missing type", "type")
	}
	return typ, nil
}
