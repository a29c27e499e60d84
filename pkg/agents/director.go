package agents

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/pkg/protocol"
	"github.com/voxstage/voxstage/pkg/transcript"
)

const (
	ToolSuggestMood    = "suggest_mood_prompt"
	ToolSuggestEndShow = "suggest_end_show_prompt"
)

type CueKind string

const (
	CueMood    CueKind = "mood"
	CueEndShow CueKind = "end_show"
)

// DirectorCue is a pacing instruction for the live show.
type DirectorCue struct {
	Kind   CueKind
	Prompt string
}

// Director watches the main conversation and nudges the show's pacing: a
// mood shift when the energy drifts, or a wrap-up cue when the show has run
// its course. Unlike the fan and judge it keeps no conversation history;
// every request carries the full briefing, so each one runs one-shot.
type Director struct {
	backend Backend
	log     zerolog.Logger

	mu  sync.Mutex
	cfg ChatConfig
}

func NewDirector(backend Backend, log zerolog.Logger) *Director {
	return &Director{
		backend: backend,
		log:     log.With().Str("component", "director").Logger(),
	}
}

func (d *Director) Configure(cfg ChatConfig) {
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = defaultDirectorPrompt()
	}
	cfg.Tools = []protocol.FunctionDeclaration{
		{
			Name:        ToolSuggestMood,
			Description: "Suggest a mood or topic shift for the hosts.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mood_prompt": map[string]any{"type": "string"},
				},
				"required": []string{"mood_prompt"},
			},
		},
		{
			Name:        ToolSuggestEndShow,
			Description: "Signal that the show should start wrapping up.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Director) config() ChatConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Direct shows the director the recent main transcript and returns a cue, or
// nil when the director called no tool. A blank transcript is skipped.
func (d *Director) Direct(ctx context.Context, recent []transcript.Turn) (*DirectorCue, error) {
	briefing := DirectorContext(recent)
	if briefing == "" {
		return nil, nil
	}

	cfg := d.config()
	snap := cfg.snapshot()
	chat, err := d.backend.NewChat(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reply, err := chat.SendMessage(ctx, briefing)
	if err != nil {
		return nil, err
	}
	if d.config().snapshot() != snap {
		return nil, ErrStale
	}

	for _, call := range reply.FunctionCalls {
		switch call.Name {
		case ToolSuggestMood:
			prompt, _ := call.Args["mood_prompt"].(string)
			if strings.TrimSpace(prompt) == "" {
				continue
			}
			return &DirectorCue{Kind: CueMood, Prompt: prompt}, nil
		case ToolSuggestEndShow:
			return &DirectorCue{Kind: CueEndShow}, nil
		}
	}
	if reply.Text != "" {
		d.log.Warn().Str("reply", reply.Text).Msg("director replied without a tool call")
	}
	return nil, nil
}

// DirectorContext joins the recent turns into the director's briefing.
// Returns "" when there is nothing of substance yet.
func DirectorContext(recent []transcript.Turn) string {
	lines := make([]string, 0, len(recent))
	for _, turn := range recent {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		speaker := turn.Author
		if speaker == "" {
			speaker = string(turn.Role)
		}
		lines = append(lines, speaker+": "+text)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func defaultDirectorPrompt() string {
	return `You are the director of a live podcast. You see the recent conversation.
If the energy is flagging or a topic is exhausted, call ` + ToolSuggestMood + ` with a short instruction for the hosts.
If the show has clearly run its course, call ` + ToolSuggestEndShow + `. Otherwise call nothing.`
}
