package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/internal/metrics"
	"github.com/voxstage/voxstage/pkg/agents"
	"github.com/voxstage/voxstage/pkg/transcript"
)

// Per-consumer dispatch cooldowns. The three agents have very different
// latency and cost profiles, so rate limiting is client-side and
// independent per consumer.
const (
	fanCooldown      = 5 * time.Second
	judgeCooldown    = 10 * time.Second
	directorCooldown = 20 * time.Second
)

const fanContextTurns = 10

// FanAgent reacts to one host line with chat-wall comments.
type FanAgent interface {
	React(ctx context.Context, hostTurn string) ([]agents.FanComment, error)
}

// JudgeAgent decides whether a fan comment deserves airtime.
type JudgeAgent interface {
	Evaluate(ctx context.Context, hostTurn string, fanChat []transcript.Turn) (*agents.JudgeDecision, error)
}

// DirectorAgent suggests pacing cues from the recent transcript.
type DirectorAgent interface {
	Direct(ctx context.Context, recent []transcript.Turn) (*agents.DirectorCue, error)
}

type dispatcherDeps struct {
	fan      FanAgent
	judge    JudgeAgent
	director DirectorAgent
	ctrl     *Controller
	met      *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// dispatcher fans sealed host turns out to the secondary agents under
// per-agent cooldowns. A given turn sequence number is offered at most once.
type dispatcher struct {
	deps dispatcherDeps

	mu           sync.Mutex
	lastSeq      uint64
	lastFan      time.Time
	lastJudge    time.Time
	lastDirector time.Time
}

func newDispatcher(deps dispatcherDeps) *dispatcher {
	return &dispatcher{deps: deps}
}

// Offer feeds one sealed turn to whichever agents are off cooldown. Turns
// not authored by a configured host are ignored.
func (d *dispatcher) Offer(entry transcript.Entry) {
	if !d.deps.ctrl.isHost(entry.Turn.Author) {
		return
	}
	payload := fmt.Sprintf("%s: %s", entry.Turn.Author, entry.Turn.Text)
	now := d.deps.now()

	d.mu.Lock()
	if entry.Seq <= d.lastSeq {
		d.mu.Unlock()
		return
	}
	d.lastSeq = entry.Seq

	runFan := d.deps.fan != nil && now.Sub(d.lastFan) > fanCooldown
	if runFan {
		d.lastFan = now
	} else if d.deps.fan != nil {
		d.deps.met.RecordCooldownSkip("fan")
	}
	runJudge := d.deps.judge != nil && now.Sub(d.lastJudge) > judgeCooldown
	if runJudge {
		d.lastJudge = now
	} else if d.deps.judge != nil {
		d.deps.met.RecordCooldownSkip("judge")
	}
	runDirector := d.deps.director != nil && now.Sub(d.lastDirector) > directorCooldown
	if runDirector {
		d.lastDirector = now
	} else if d.deps.director != nil {
		d.deps.met.RecordCooldownSkip("director")
	}
	d.mu.Unlock()

	if runFan {
		go d.runFan(payload)
	}
	if runJudge {
		go d.runJudge(payload)
	}
	if runDirector {
		go d.runDirector()
	}
}

func (d *dispatcher) runFan(payload string) {
	comments, err := d.deps.fan.React(context.Background(), payload)
	if err != nil {
		d.deps.met.RecordAgentDispatch("fan", dispatchOutcome(err))
		if !errors.Is(err, agents.ErrStale) {
			d.deps.log.Warn().Err(err).Msg("fan reaction failed")
		}
		return
	}
	for _, comment := range comments {
		d.deps.ctrl.fanLog.Append(transcript.Turn{
			Role:      transcript.RoleAgent,
			Author:    comment.Name,
			Text:      comment.Text,
			IsFinal:   true,
			Timestamp: d.deps.now(),
		})
	}
	d.deps.met.RecordAgentDispatch("fan", "ok")
}

func (d *dispatcher) runJudge(payload string) {
	fanChat := d.deps.ctrl.fanLog.Tail(fanContextTurns)
	decision, err := d.deps.judge.Evaluate(context.Background(), payload, fanChat)
	if err != nil {
		d.deps.met.RecordAgentDispatch("judge", dispatchOutcome(err))
		if !errors.Is(err, agents.ErrStale) {
			d.deps.log.Warn().Err(err).Msg("judge evaluation failed")
		}
		return
	}
	if decision.Summary != "" {
		d.deps.ctrl.judgeLog.Append(transcript.Turn{
			Role:      transcript.RoleAgent,
			Author:    "Judge",
			Text:      decision.Summary,
			IsFinal:   true,
			Timestamp: d.deps.now(),
		})
	}
	if !decision.Forward {
		d.deps.met.RecordAgentDispatch("judge", "ok")
		return
	}

	forwarded := transcript.Turn{
		Role:        transcript.RoleUser,
		Author:      decision.FanName,
		Text:        decision.Comment,
		IsFinal:     true,
		IsForwarded: true,
		Timestamp:   d.deps.now(),
	}
	d.deps.ctrl.fanLog.Append(forwarded)
	d.deps.ctrl.mainLog.Append(forwarded)
	d.deps.ctrl.sendText(fmt.Sprintf("%s %s: %s", SignalFanComment, decision.FanName, decision.Comment))
	d.deps.met.RecordAgentDispatch("judge", "forwarded")
}

func (d *dispatcher) runDirector() {
	recent := d.deps.ctrl.mainLog.Tail(fanContextTurns)
	cue, err := d.deps.director.Direct(context.Background(), recent)
	if err != nil {
		d.deps.met.RecordAgentDispatch("director", dispatchOutcome(err))
		if !errors.Is(err, agents.ErrStale) {
			d.deps.log.Warn().Err(err).Msg("director failed")
		}
		return
	}
	if cue == nil {
		d.deps.met.RecordAgentDispatch("director", "none")
		return
	}
	switch cue.Kind {
	case agents.CueMood:
		d.deps.ctrl.sendText(cue.Prompt)
	case agents.CueEndShow:
		d.deps.ctrl.RequestEndShow()
	}
	d.deps.met.RecordAgentDispatch("director", string(cue.Kind))
}

func dispatchOutcome(err error) string {
	if errors.Is(err, agents.ErrStale) {
		return "stale"
	}
	return "error"
}
