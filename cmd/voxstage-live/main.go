// voxstage-live is the interactive production console: it runs one live
// recording session against the generative voice backend, with the fan,
// judge, and director agents watching the show.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/internal/config"
	"github.com/voxstage/voxstage/internal/metrics"
	"github.com/voxstage/voxstage/pkg/agents"
	"github.com/voxstage/voxstage/pkg/agents/gemini"
	"github.com/voxstage/voxstage/pkg/archive"
	"github.com/voxstage/voxstage/pkg/protocol"
	"github.com/voxstage/voxstage/pkg/scriptplan"
	"github.com/voxstage/voxstage/pkg/session"
	"github.com/voxstage/voxstage/pkg/store"
	"github.com/voxstage/voxstage/pkg/transcript"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := cfg.NewLogger()

	if cfg.APIKey == "" {
		logger.Error().Msg("VOXSTAGE_API_KEY is not set")
		return 1
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("store init failed")
		return 1
	}
	defer st.Close()

	met := metrics.New("voxstage")
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, met, logger)
	}

	backend := gemini.New(logger)
	backend.SetAPIKey(cfg.APIKey)

	fan := agents.NewFan(backend, logger)
	fan.Configure(agents.ChatConfig{Model: cfg.FanModel, APIKey: cfg.APIKey})
	judge := agents.NewJudge(backend, logger)
	judge.Configure(agents.ChatConfig{Model: cfg.JudgeModel, APIKey: cfg.APIKey})
	director := agents.NewDirector(backend, logger)
	director.Configure(agents.ChatConfig{Model: cfg.DirectorModel, APIKey: cfg.APIKey})
	film := agents.NewFilmDirector(backend, backend, backend, logger)
	film.Configure(agents.ChatConfig{Model: cfg.FilmModel, APIKey: cfg.APIKey},
		cfg.ImageModel, cfg.VideoModel)

	ctrl, err := session.New(session.Config{
		LiveURL:           cfg.LiveURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.LiveModel,
		Voice:             "Kore",
		SystemInstruction: showInstruction(cfg.Hosts),
		ProjectName:       cfg.ProjectName,
		Hosts:             cfg.Hosts,
		AutoToolResponse:  true,
	}, session.Deps{
		Store:    st,
		Metrics:  met,
		Logger:   logger,
		Fan:      fan,
		Judge:    judge,
		Director: director,
	})
	if err != nil {
		logger.Error().Err(err).Msg("controller init failed")
		return 1
	}
	defer ctrl.Close()

	stdin := bufio.NewReader(os.Stdin)
	if err := offerRecovery(ctrl, stdin, logger); err != nil {
		logger.Error().Err(err).Msg("recovery failed")
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		ctrl.Disconnect()
		os.Exit(0)
	}()

	return runConsole(&console{
		ctrl:    ctrl,
		film:    film,
		store:   st,
		project: cfg.ProjectName,
		logger:  logger,
	}, stdin)
}

func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		logger.Info().Msg("no database configured, using in-memory store")
		return store.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return store.OpenPostgres(ctx, cfg.DatabaseDSN, logger)
}

func serveMetrics(addr string, met *metrics.Metrics, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}

// offerRecovery checks for a session left behind by a crash and asks
// whether to restore or discard it.
func offerRecovery(ctrl *session.Controller, stdin *bufio.Reader, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	crashed, err := ctrl.FindIncomplete(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Found an unsaved session %q from %s.\n",
		crashed.Title, time.UnixMilli(crashed.ID).Format("2006-01-02 15:04"))
	fmt.Print("Recover it? [y/N] ")
	answer, _ := stdin.ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(answer), "y") {
		ctrl.Recover(crashed)
		logger.Info().Msg("session recovered; save it with the 'save' command")
		return nil
	}
	return ctrl.Discard(ctx, crashed.ID)
}

type console struct {
	ctrl    *session.Controller
	film    *agents.FilmDirector
	store   store.Store
	project string
	logger  zerolog.Logger
}

func runConsole(c *console, stdin *bufio.Reader) int {
	fmt.Println("commands: connect, disconnect, mute, unmute, say <text>, share <image> [caption], end, broll, save, export <id> <path>, import <path>, quit")
	for {
		fmt.Printf("[%s] > ", c.ctrl.State())
		line, err := stdin.ReadString('\n')
		if err != nil {
			return 0
		}
		cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")

		switch cmd {
		case "":
		case "connect":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := c.ctrl.Connect(ctx)
			cancel()
			if err != nil {
				c.logger.Error().Err(err).Msg("connect failed")
			}
		case "disconnect":
			c.ctrl.Disconnect()
		case "mute":
			c.ctrl.SetMuted(true)
		case "unmute":
			c.ctrl.SetMuted(false)
		case "say":
			if rest == "" {
				continue
			}
			if err := c.ctrl.SendUserText(rest); err != nil {
				c.logger.Error().Err(err).Msg("send failed")
			}
		case "share":
			c.shareImage(rest)
		case "end":
			c.ctrl.RequestEndShow()
		case "broll":
			c.generateBRoll()
		case "save":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := c.ctrl.SaveSession(ctx)
			cancel()
			if err != nil {
				c.logger.Error().Err(err).Msg("save failed")
			} else {
				fmt.Println("session saved")
			}
		case "export":
			c.exportSession(rest)
		case "import":
			c.importSession(rest)
		case "quit", "exit":
			c.ctrl.Disconnect()
			return 0
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

// shareImage drops a local image into the show for the hosts to react to.
func (c *console) shareImage(rest string) {
	path, caption, _ := strings.Cut(rest, " ")
	if path == "" {
		fmt.Println("usage: share <image> [caption]")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Error().Err(err).Msg("image read failed")
		return
	}
	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".webp":
		mime = "image/webp"
	}
	img := protocol.Blob{MimeType: mime, DataB64: base64.StdEncoding.EncodeToString(data)}
	if err := c.ctrl.SendUserContent(strings.TrimSpace(caption), []protocol.Blob{img}); err != nil {
		c.logger.Error().Err(err).Msg("share failed")
	}
}

// generateBRoll plans a shooting script for the recent conversation and
// renders a still per scene onto the active session.
func (c *console) generateBRoll() {
	excerpt := directorExcerpt(c.ctrl.MainLog().Tail(10))
	if excerpt == "" {
		fmt.Println("nothing in the transcript yet")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	err := c.film.PlanScript(ctx, excerpt, func(scene scriptplan.Scene) {
		still, err := c.film.RenderStill(ctx, scene)
		if err != nil {
			c.logger.Warn().Err(err).Str("scene", scene.Title).Msg("still render failed")
			return
		}
		if still == nil {
			return
		}
		c.ctrl.AddMedia(store.MediaItem{
			ID:        fmt.Sprintf("broll-%d", time.Now().UnixMilli()),
			Kind:      "image",
			MimeType:  still.MimeType,
			Data:      still.Data,
			Prompt:    scene.ImagePrompt,
			CreatedAt: time.Now(),
		})
		fmt.Printf("rendered scene %q\n", scene.Title)
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("b-roll planning failed")
	}
}

func (c *console) exportSession(rest string) {
	idText, path, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Println("usage: export <session-id> <path>")
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(idText), 10, 64)
	if err != nil {
		fmt.Println("usage: export <session-id> <path>")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		c.logger.Error().Err(err).Msg("session lookup failed")
		return
	}
	f, err := os.Create(strings.TrimSpace(path))
	if err != nil {
		c.logger.Error().Err(err).Msg("export open failed")
		return
	}
	defer f.Close()
	if err := archive.Export(f, sess, c.project); err != nil {
		c.logger.Error().Err(err).Msg("export failed")
		return
	}
	fmt.Printf("exported session %d to %s\n", id, path)
}

func (c *console) importSession(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		fmt.Println("usage: import <path>")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Error().Err(err).Msg("import read failed")
		return
	}
	sess, manifest, err := archive.Import(data)
	if err != nil {
		c.logger.Error().Err(err).Msg("import failed")
		return
	}
	sess.ID = time.Now().UnixMilli()
	sess.Title = "Imported " + manifest.ProjectName
	sess.Status = store.StatusComplete

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.store.SaveOrUpdateSession(ctx, sess); err != nil {
		c.logger.Error().Err(err).Msg("import save failed")
		return
	}
	fmt.Printf("imported as session %d (%d turns, %d media)\n",
		sess.ID, len(sess.MainTranscript), len(sess.Media))
}

func directorExcerpt(turns []transcript.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
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
	return strings.Join(lines, "\n")
}

func showInstruction(hosts []string) string {
	if len(hosts) == 0 {
		hosts = []string{"Dana", "Marcus"}
	}
	names := strings.Join(hosts, " and ")
	return fmt.Sprintf(`You are co-hosting a live podcast as %s. Exactly one host speaks per turn.
Prefix every turn with the speaking host's name followed by a colon, like "%s: ...".
Keep turns short and conversational. When you receive %s, open the show.
When you receive %s, the next host continues naturally. Messages starting with
%s are live listener comments; react to them on air.`,
		names, hosts[0], session.SignalStart, session.SignalContinue, session.SignalFanComment)
}
