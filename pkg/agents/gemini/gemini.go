// Package gemini backs the secondary agents with the Gemini API: chats for
// fan/judge/director, streamed generation for shooting scripts, and image
// and video rendering for b-roll.
package gemini

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/voxstage/voxstage/pkg/agents"
	"github.com/voxstage/voxstage/pkg/protocol"
)

const (
	videoPollInterval = 10 * time.Second
	maxVideoPolls     = 40
)

// Backend implements agents.Backend, agents.TextStreamer,
// agents.ImageGenerator, and agents.VideoGenerator. The underlying client is
// memoized per API key.
type Backend struct {
	log zerolog.Logger

	mu     sync.Mutex
	apiKey string
	client *genai.Client
}

func New(log zerolog.Logger) *Backend {
	return &Backend{log: log.With().Str("component", "gemini").Logger()}
}

func (b *Backend) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil && b.apiKey == apiKey {
		return b.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	b.apiKey = apiKey
	b.client = client
	return client, nil
}

func (b *Backend) NewChat(ctx context.Context, cfg agents.ChatConfig) (agents.Chat, error) {
	client, err := b.clientFor(ctx, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	chat, err := client.Chats.Create(ctx, cfg.Model, generateConfig(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create chat: %w", err)
	}
	return &chatAdapter{chat: chat}, nil
}

type chatAdapter struct {
	chat *genai.Chat
}

func (c *chatAdapter) SendMessage(ctx context.Context, text string) (*agents.Reply, error) {
	res, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return nil, fmt.Errorf("gemini: send message: %w", err)
	}
	reply := &agents.Reply{Text: res.Text()}
	for _, fc := range res.FunctionCalls() {
		reply.FunctionCalls = append(reply.FunctionCalls, protocol.FunctionCall{
			ID:   fc.ID,
			Name: fc.Name,
			Args: fc.Args,
		})
	}
	return reply, nil
}

// GenerateStream runs a one-shot generation and delivers text as it arrives.
func (b *Backend) GenerateStream(ctx context.Context, cfg agents.ChatConfig, prompt string, onText func(string) error) error {
	client, err := b.clientFor(ctx, cfg.APIKey)
	if err != nil {
		return err
	}
	for resp, err := range client.Models.GenerateContentStream(ctx, cfg.Model, genai.Text(prompt), generateConfig(cfg)) {
		if err != nil {
			return fmt.Errorf("gemini: stream: %w", err)
		}
		if text := resp.Text(); text != "" {
			if err := onText(text); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateImage renders one still.
func (b *Backend) GenerateImage(ctx context.Context, model, prompt string) (*agents.Media, error) {
	client, err := b.clientFor(ctx, b.currentKey())
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.GenerateImages(ctx, model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: generate image: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, fmt.Errorf("gemini: image response was empty")
	}
	img := resp.GeneratedImages[0].Image
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &agents.Media{MimeType: mime, Data: img.ImageBytes}, nil
}

// GenerateVideo renders a clip via the long-running videos operation,
// polling until it completes or the poll limit is reached.
func (b *Backend) GenerateVideo(ctx context.Context, model, prompt string, still *agents.Media) (*agents.Media, error) {
	client, err := b.clientFor(ctx, b.currentKey())
	if err != nil {
		return nil, err
	}

	var image *genai.Image
	if still != nil {
		image = &genai.Image{ImageBytes: still.Data, MIMEType: still.MimeType}
	}
	op, err := client.Models.GenerateVideos(ctx, model, prompt, image, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: generate video: %w", err)
	}

	for polls := 0; !op.Done; polls++ {
		if polls >= maxVideoPolls {
			return nil, fmt.Errorf("gemini: video generation did not finish within %s", time.Duration(maxVideoPolls)*videoPollInterval)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(videoPollInterval):
		}
		op, err = client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return nil, fmt.Errorf("gemini: poll video operation: %w", err)
		}
	}

	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("gemini: video response was empty")
	}
	video := op.Response.GeneratedVideos[0].Video
	mime := video.MIMEType
	if mime == "" {
		mime = "video/mp4"
	}
	return &agents.Media{MimeType: mime, Data: video.VideoBytes}, nil
}

func (b *Backend) currentKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apiKey
}

// SetAPIKey pins the key used by image and video rendering, which have no
// per-call config.
func (b *Backend) SetAPIKey(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key != b.apiKey {
		b.apiKey = key
		b.client = nil
	}
}

func generateConfig(cfg agents.ChatConfig) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if cfg.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, tool := range cfg.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaFromMap(tool.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// schemaFromMap converts the protocol's JSON-schema-shaped tool parameters
// into a genai.Schema. Only the subset the agents use is handled.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	switch m["type"] {
	case "object":
		schema.Type = genai.TypeObject
		if props, ok := m["properties"].(map[string]any); ok {
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, raw := range props {
				if sub, ok := raw.(map[string]any); ok {
					schema.Properties[name] = schemaFromMap(sub)
				}
			}
		}
		switch req := m["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := m["items"].(map[string]any); ok {
			schema.Items = schemaFromMap(items)
		}
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	}
	return schema
}
