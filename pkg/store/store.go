// Package store persists recording sessions, host rosters, virtual sets,
// and app settings. Two implementations exist: an in-memory store for tests
// and single-run use, and a Postgres store for durable installs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/voxstage/voxstage/pkg/transcript"
)

var ErrNotFound = errors.New("store: not found")

type SessionStatus string

const (
	StatusComplete   SessionStatus = "complete"
	StatusIncomplete SessionStatus = "incomplete"
)

// MediaItem is a generated image or video attached to a session.
type MediaItem struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // image | video
	MimeType  string    `json:"mimeType"`
	Data      []byte    `json:"data"`
	Prompt    string    `json:"prompt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is one recording session. ID is the session start time in
// milliseconds since the epoch, assigned by the controller.
type Session struct {
	ID              int64             `json:"id"`
	Title           string            `json:"title"`
	Status          SessionStatus     `json:"status"`
	MainTranscript  []transcript.Turn `json:"mainTranscript"`
	FanTranscript   []transcript.Turn `json:"fanTranscript"`
	JudgeTranscript []transcript.Turn `json:"judgeTranscript"`
	Config          json.RawMessage   `json:"config,omitempty"`
	PodcastAudio    []byte            `json:"podcastAudio,omitempty"` // WAV
	MicAudio        []byte            `json:"micAudio,omitempty"`     // WAV
	Media           []MediaItem       `json:"media,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Host is one show host the backend can voice.
type Host struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Voice   string `json:"voice,omitempty"`
	Persona string `json:"persona,omitempty"`
}

// VirtualSet is a stage backdrop selectable during a show.
type VirtualSet struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Prompt   string `json:"prompt,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Image    []byte `json:"image,omitempty"`
}

// Store is the persistence surface used by the session controller.
//
// GetAllSessions lists complete sessions only; in-progress autosave records
// stay out of the library view. FindIncompleteSession returns the most
// recent incomplete session, if any. Incomplete sessions are never removed
// implicitly; they go away only through DeleteSession or by being re-saved
// as complete.
type Store interface {
	SaveOrUpdateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	GetAllSessions(ctx context.Context) ([]*Session, error)
	FindIncompleteSession(ctx context.Context) (*Session, error)
	DeleteSession(ctx context.Context, id int64) error

	ListHosts(ctx context.Context) ([]Host, error)
	SaveHost(ctx context.Context, h *Host) error
	DeleteHost(ctx context.Context, id int64) error

	ListVirtualSets(ctx context.Context) ([]VirtualSet, error)
	SaveVirtualSet(ctx context.Context, v *VirtualSet) error
	DeleteVirtualSet(ctx context.Context, id int64) error

	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error

	Close() error
}
