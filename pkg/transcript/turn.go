// Package transcript holds the conversation model for a live recording
// session: turns, ordered turn logs, and the reconciliation rules that fold
// streaming transcription fragments into coherent turns.
package transcript

import (
	"strings"
	"time"

	"github.com/voxstage/voxstage/pkg/protocol"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Image is inline picture content attached to a turn, base64-encoded.
type Image struct {
	MimeType string `json:"mimeType"`
	DataB64  string `json:"data"`
}

// ToolUseRequest records tool calls requested by the backend during a turn.
type ToolUseRequest struct {
	Calls []protocol.FunctionCall `json:"calls"`
}

// ToolUseResponse records the responses sent back for a tool-use request.
type ToolUseResponse struct {
	Responses []protocol.FunctionResponse `json:"responses"`
}

// Turn is one utterance in a transcript. JSON field names are part of the
// archive format and must stay stable.
type Turn struct {
	Role               Role                      `json:"role"`
	Author             string                    `json:"author,omitempty"`
	Text               string                    `json:"text"`
	IsFinal            bool                      `json:"isFinal"`
	IsForwarded        bool                      `json:"isForwarded,omitempty"`
	Timestamp          time.Time                 `json:"timestamp"`
	Images             []Image                   `json:"images,omitempty"`
	ToolUseRequest     *ToolUseRequest           `json:"toolUseRequest,omitempty"`
	ToolUseResponse    *ToolUseResponse          `json:"toolUseResponse,omitempty"`
	GroundingChunks    []protocol.GroundingChunk `json:"groundingChunks,omitempty"`
	WebSearchQueries   []string                  `json:"webSearchQueries,omitempty"`
	URLContextMetadata []protocol.URLMetadata    `json:"urlContextMetadata,omitempty"`
}

// Empty reports whether the turn carries nothing worth keeping: no text,
// no images, and no grounding metadata.
func (t Turn) Empty() bool {
	return strings.TrimSpace(t.Text) == "" &&
		len(t.Images) == 0 &&
		len(t.GroundingChunks) == 0 &&
		len(t.WebSearchQueries) == 0 &&
		len(t.URLContextMetadata) == 0
}
