package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/pkg/protocol"
	"github.com/voxstage/voxstage/pkg/transcript"
)

// ToolSendFanComment is the judge's only tool: it pushes one fan comment
// into the live show.
const ToolSendFanComment = "send_fan_comment_to_podcast"

const judgeStatusResetDelay = 5 * time.Second

type JudgeStatus string

const (
	JudgeIdle       JudgeStatus = "idle"
	JudgeEvaluating JudgeStatus = "evaluating"
	JudgeForwarded  JudgeStatus = "forwarded"
	JudgeError      JudgeStatus = "error"
)

// JudgeDecision is the outcome of one evaluation. Forward is false when the
// judge decided no fan comment deserves airtime.
type JudgeDecision struct {
	Forward bool
	FanName string
	Comment string
	Summary string
}

// Judge watches sealed host turns plus the fan wall and occasionally
// forwards one fan comment into the live show.
type Judge struct {
	factory *ClientFactory
	log     zerolog.Logger

	mu          sync.Mutex
	cfg         ChatConfig
	status      JudgeStatus
	statusReset *time.Timer
}

func NewJudge(backend Backend, log zerolog.Logger) *Judge {
	return &Judge{
		factory: NewClientFactory(backend),
		log:     log.With().Str("component", "judge").Logger(),
		status:  JudgeIdle,
	}
}

func (j *Judge) Configure(cfg ChatConfig) {
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = defaultJudgePrompt()
	}
	cfg.Tools = []protocol.FunctionDeclaration{{
		Name:        ToolSendFanComment,
		Description: "Forward one standout fan comment to the podcast hosts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fan_name": map[string]any{"type": "string"},
				"comment":  map[string]any{"type": "string"},
			},
			"required": []string{"fan_name", "comment"},
		},
	}}
	j.mu.Lock()
	j.cfg = cfg
	j.mu.Unlock()
}

func (j *Judge) config() ChatConfig {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg
}

// Status reports the judge lifecycle state. Terminal states decay back to
// idle after a few seconds.
func (j *Judge) Status() JudgeStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Judge) setStatus(s JudgeStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
	if j.statusReset != nil {
		j.statusReset.Stop()
		j.statusReset = nil
	}
	if s == JudgeForwarded || s == JudgeError {
		j.statusReset = time.AfterFunc(judgeStatusResetDelay, func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			j.status = JudgeIdle
		})
	}
}

// Evaluate shows the judge a sealed host turn together with the recent fan
// wall and returns its decision.
func (j *Judge) Evaluate(ctx context.Context, hostTurn string, fanChat []transcript.Turn) (*JudgeDecision, error) {
	cfg := j.config()
	snap := cfg.snapshot()
	j.setStatus(JudgeEvaluating)

	chat, err := j.factory.Chat(ctx, cfg)
	if err != nil {
		j.setStatus(JudgeError)
		return nil, err
	}
	reply, err := chat.SendMessage(ctx, JudgeContext(hostTurn, fanChat))
	if err != nil {
		j.setStatus(JudgeError)
		return nil, err
	}
	if j.config().snapshot() != snap {
		j.setStatus(JudgeIdle)
		return nil, ErrStale
	}

	for _, call := range reply.FunctionCalls {
		if call.Name != ToolSendFanComment {
			continue
		}
		name, _ := call.Args["fan_name"].(string)
		comment, _ := call.Args["comment"].(string)
		if strings.TrimSpace(name) == "" || strings.TrimSpace(comment) == "" {
			continue
		}
		j.setStatus(JudgeForwarded)
		return &JudgeDecision{Forward: true, FanName: name, Comment: comment, Summary: reply.Text}, nil
	}
	j.setStatus(JudgeIdle)
	return &JudgeDecision{Forward: false, Summary: reply.Text}, nil
}

// JudgeContext renders the judge's view of the moment: the host turn, then
// the recent fan wall. The fan section is omitted entirely when the wall is
// empty.
func JudgeContext(hostTurn string, fanChat []transcript.Turn) string {
	var b strings.Builder
	b.WriteString("HOST SAID:\n")
	b.WriteString(hostTurn)

	lines := make([]string, 0, len(fanChat))
	for _, turn := range fanChat {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if turn.Author != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", turn.Author, text))
		} else {
			lines = append(lines, text)
		}
	}
	if len(lines) > 0 {
		b.WriteString("\n\n--- FAN CHAT ---\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}

func defaultJudgePrompt() string {
	return `You are the chat moderator of a live podcast. You see what a host just said and the recent fan chat.
If exactly one fan comment is insightful or entertaining enough to deserve airtime, call ` + ToolSendFanComment + `.
Most of the time nothing qualifies; then reply with a one-line reason and call no tool.`
}
