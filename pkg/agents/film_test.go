package agents

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/pkg/scriptplan"
)

type fakeStreamer struct {
	chunks []string
	onText func() // runs before each chunk is delivered
}

func (s *fakeStreamer) GenerateStream(_ context.Context, _ ChatConfig, _ string, onText func(string) error) error {
	for _, chunk := range s.chunks {
		if s.onText != nil {
			s.onText()
		}
		if err := onText(chunk); err != nil {
			return err
		}
	}
	return nil
}

type fakeImageGen struct{ prompts []string }

func (g *fakeImageGen) GenerateImage(_ context.Context, _, prompt string) (*Media, error) {
	g.prompts = append(g.prompts, prompt)
	return &Media{MimeType: "image/png", Data: []byte{1}}, nil
}

type fakeVideoGen struct{ stills []*Media }

func (g *fakeVideoGen) GenerateVideo(_ context.Context, _, _ string, still *Media) (*Media, error) {
	g.stills = append(g.stills, still)
	return &Media{MimeType: "video/mp4", Data: []byte{2}}, nil
}

func TestFilmDirector_PlanScriptStreamsScenes(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{
		`[{"title":"Open","description":"skyline","image`,
		`Prompt":"dusk"},{"title":"Desk","description":"hosts"}]`,
	}}
	fd := NewFilmDirector(streamer, &fakeImageGen{}, &fakeVideoGen{}, zerolog.Nop())
	fd.Configure(ChatConfig{Model: "m"}, "img-model", "vid-model")

	var scenes []scriptplan.Scene
	err := fd.PlanScript(context.Background(), "conversation excerpt", func(s scriptplan.Scene) {
		scenes = append(scenes, s)
	})
	if err != nil {
		t.Fatalf("PlanScript() error = %v", err)
	}
	if len(scenes) != 2 || scenes[0].Title != "Open" || scenes[1].Title != "Desk" {
		t.Fatalf("scenes = %+v", scenes)
	}
	if scenes[0].ImagePrompt != "dusk" {
		t.Errorf("imagePrompt = %q", scenes[0].ImagePrompt)
	}
}

func TestFilmDirector_PlanScriptStale(t *testing.T) {
	var fd *FilmDirector
	streamer := &fakeStreamer{
		chunks: []string{`[{"description":"x"}]`},
		onText: func() { fd.Configure(ChatConfig{Model: "changed"}, "", "") },
	}
	fd = NewFilmDirector(streamer, &fakeImageGen{}, &fakeVideoGen{}, zerolog.Nop())
	fd.Configure(ChatConfig{Model: "m"}, "", "")

	err := fd.PlanScript(context.Background(), "excerpt", func(scriptplan.Scene) {})
	if err != ErrStale {
		t.Fatalf("PlanScript() error = %v, want ErrStale", err)
	}
}

func TestFilmDirector_RenderStill(t *testing.T) {
	images := &fakeImageGen{}
	fd := NewFilmDirector(&fakeStreamer{}, images, &fakeVideoGen{}, zerolog.Nop())
	fd.Configure(ChatConfig{Model: "m"}, "img-model", "vid-model")

	media, err := fd.RenderStill(context.Background(), scriptplan.Scene{ImagePrompt: "dusk skyline"})
	if err != nil || media == nil {
		t.Fatalf("RenderStill() = %v, %v", media, err)
	}
	if images.prompts[0] != "dusk skyline" {
		t.Errorf("prompt = %q", images.prompts[0])
	}

	// Falls back to the description, and skips promptless scenes.
	if _, err := fd.RenderStill(context.Background(), scriptplan.Scene{Description: "hosts"}); err != nil {
		t.Fatal(err)
	}
	if images.prompts[1] != "hosts" {
		t.Errorf("fallback prompt = %q", images.prompts[1])
	}
	media, err = fd.RenderStill(context.Background(), scriptplan.Scene{})
	if media != nil || err != nil {
		t.Errorf("promptless scene = %v, %v, want nil/nil", media, err)
	}
}
