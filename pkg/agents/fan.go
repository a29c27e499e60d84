package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FanPersonas is the default roster of live-chat personas the fan agent
// voices.
var FanPersonas = []string{
	"Parisa", "Arman", "Shirin", "Kaveh", "Leyla", "Babak", "Niloufar", "Omid",
}

var fanCommentRe = regexp.MustCompile(`^(.+?):\s*(.*)$`)

// FanComment is one chat-wall message attributed to a persona.
type FanComment struct {
	Name string
	Text string
}

// Fan reacts to sealed host turns with short chat-wall comments.
type Fan struct {
	factory *ClientFactory
	log     zerolog.Logger

	mu  sync.Mutex
	cfg ChatConfig
}

func NewFan(backend Backend, log zerolog.Logger) *Fan {
	return &Fan{
		factory: NewClientFactory(backend),
		log:     log.With().Str("component", "fan").Logger(),
	}
}

// Configure updates the fan's model binding. A changed configuration makes
// any in-flight React return ErrStale.
func (f *Fan) Configure(cfg ChatConfig) {
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = defaultFanPrompt()
	}
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

func (f *Fan) config() ChatConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// React asks the fan wall to respond to a sealed host turn. The reply is
// parsed line by line; each "Name: comment" line becomes one FanComment.
func (f *Fan) React(ctx context.Context, hostTurn string) ([]FanComment, error) {
	cfg := f.config()
	snap := cfg.snapshot()

	chat, err := f.factory.Chat(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reply, err := chat.SendMessage(ctx, hostTurn)
	if err != nil {
		return nil, err
	}
	if f.config().snapshot() != snap {
		return nil, ErrStale
	}
	return ParseFanComments(reply.Text), nil
}

// ParseFanComments extracts "Name: comment" lines. Lines without the
// separator are ignored.
func ParseFanComments(text string) []FanComment {
	var out []FanComment
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := fanCommentRe.FindStringSubmatch(line)
		if m == nil || strings.TrimSpace(m[2]) == "" {
			continue
		}
		out = append(out, FanComment{
			Name: strings.TrimSpace(m[1]),
			Text: strings.TrimSpace(m[2]),
		})
	}
	return out
}

func defaultFanPrompt() string {
	return fmt.Sprintf(`You are the live fan chat of a podcast. You voice these fans: %s.
After each host statement, write 1 to 3 short reactions, each on its own line in the form "Name: comment".
Stay in character, keep comments under 20 words, and never speak as the hosts.`,
		strings.Join(FanPersonas, ", "))
}
