// Package agents implements the secondary show agents that watch the main
// conversation: the fan wall, the judge that forwards fan comments, the show
// director, and the film director that plans b-roll. Agents are backed by a
// chat backend (the gemini subpackage in production, fakes in tests).
package agents

import (
	"context"
	"errors"
	"sync"

	"github.com/voxstage/voxstage/pkg/protocol"
)

// ErrStale marks a response that arrived after the agent was reconfigured.
// Callers drop the result; it was produced against an outdated persona.
var ErrStale = errors.New("agents: configuration changed during request")

// Reply is one chat backend response.
type Reply struct {
	Text          string
	FunctionCalls []protocol.FunctionCall
}

// Chat is a stateful conversation with a model.
type Chat interface {
	SendMessage(ctx context.Context, text string) (*Reply, error)
}

// Backend creates chats. Implementations are expected to be cheap to call;
// expensive client construction belongs behind ClientFactory.
type Backend interface {
	NewChat(ctx context.Context, cfg ChatConfig) (Chat, error)
}

// ChatConfig describes one agent's model binding.
type ChatConfig struct {
	Model             string
	SystemInstruction string
	APIKey            string
	Tools             []protocol.FunctionDeclaration
}

func (c ChatConfig) snapshot() string {
	key := c.Model + "\x1f" + c.SystemInstruction + "\x1f" + c.APIKey
	for _, t := range c.Tools {
		key += "\x1f" + t.Name
	}
	return key
}

// ClientFactory memoizes the chat for a given configuration. The chat is
// rebuilt only when the configuration actually changes, so agents keep their
// conversation history across turns.
type ClientFactory struct {
	backend Backend

	mu   sync.Mutex
	key  string
	chat Chat
}

func NewClientFactory(backend Backend) *ClientFactory {
	return &ClientFactory{backend: backend}
}

// Chat returns the memoized chat for cfg, building a fresh one when the
// configuration differs from the last call.
func (f *ClientFactory) Chat(ctx context.Context, cfg ChatConfig) (Chat, error) {
	key := cfg.snapshot()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chat != nil && f.key == key {
		return f.chat, nil
	}
	chat, err := f.backend.NewChat(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.key = key
	f.chat = chat
	return chat, nil
}

// Reset drops the memoized chat so the next call starts a new conversation.
func (f *ClientFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = ""
	f.chat = nil
}
