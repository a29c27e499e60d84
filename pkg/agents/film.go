package agents

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/pkg/scriptplan"
)

// Media is one generated asset.
type Media struct {
	MimeType string
	Data     []byte
}

// TextStreamer produces incremental text for one-shot generations.
type TextStreamer interface {
	GenerateStream(ctx context.Context, cfg ChatConfig, prompt string, onText func(string) error) error
}

// ImageGenerator renders a still image from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string) (*Media, error)
}

// VideoGenerator renders a clip from a prompt, optionally animating a still.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, model, prompt string, still *Media) (*Media, error)
}

// FilmDirector plans b-roll: it streams a shooting script for a stretch of
// conversation and renders scenes into stills or clips. Rendering is best
// effort; a failed scene never interrupts the show.
type FilmDirector struct {
	streamer TextStreamer
	images   ImageGenerator
	videos   VideoGenerator
	log      zerolog.Logger

	mu         sync.Mutex
	cfg        ChatConfig
	imageModel string
	videoModel string
}

func NewFilmDirector(streamer TextStreamer, images ImageGenerator, videos VideoGenerator, log zerolog.Logger) *FilmDirector {
	return &FilmDirector{
		streamer: streamer,
		images:   images,
		videos:   videos,
		log:      log.With().Str("component", "film_director").Logger(),
	}
}

func (f *FilmDirector) Configure(cfg ChatConfig, imageModel, videoModel string) {
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = defaultFilmDirectorPrompt()
	}
	f.mu.Lock()
	f.cfg = cfg
	f.imageModel = imageModel
	f.videoModel = videoModel
	f.mu.Unlock()
}

func (f *FilmDirector) config() (ChatConfig, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, f.imageModel, f.videoModel
}

// PlanScript streams a shooting script for the given conversation excerpt.
// onScene fires for each scene as soon as its JSON object completes, so
// rendering can start before the script finishes.
func (f *FilmDirector) PlanScript(ctx context.Context, excerpt string, onScene func(scriptplan.Scene)) error {
	cfg, _, _ := f.config()
	snap := cfg.snapshot()
	parser := scriptplan.NewParser()

	err := f.streamer.GenerateStream(ctx, cfg, excerpt, func(text string) error {
		scenes, parseErr := parser.FeedScenes([]byte(text))
		if parseErr != nil {
			f.log.Warn().Err(parseErr).Msg("skipping malformed scene")
		}
		for _, scene := range scenes {
			onScene(scene)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if currentCfg, _, _ := f.config(); currentCfg.snapshot() != snap {
		return ErrStale
	}
	return nil
}

// RenderStill generates an image for a scene. Returns nil when the scene has
// no usable prompt.
func (f *FilmDirector) RenderStill(ctx context.Context, scene scriptplan.Scene) (*Media, error) {
	prompt := scene.ImagePrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = scene.Description
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, nil
	}
	_, imageModel, _ := f.config()
	return f.images.GenerateImage(ctx, imageModel, prompt)
}

// RenderClip animates a scene, optionally from a previously rendered still.
func (f *FilmDirector) RenderClip(ctx context.Context, scene scriptplan.Scene, still *Media) (*Media, error) {
	prompt := scene.Description
	if strings.TrimSpace(prompt) == "" {
		return nil, nil
	}
	_, _, videoModel := f.config()
	return f.videos.GenerateVideo(ctx, videoModel, prompt, still)
}

func defaultFilmDirectorPrompt() string {
	return `You are the film director of a podcast. Given a conversation excerpt, plan b-roll as a JSON array of scene objects with fields "title", "description", "imagePrompt", and "durationSeconds". Output only the JSON array.`
}
