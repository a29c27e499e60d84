package session

import (
	"context"
	"fmt"
	"time"

	"github.com/voxstage/voxstage/pkg/audio"
	"github.com/voxstage/voxstage/pkg/store"
	"github.com/voxstage/voxstage/pkg/transcript"
)

// SaveSession persists the current session as a complete record and clears
// the in-memory state. It fails when no session has been started; on store
// failure the buffers stay intact for a retry.
func (c *Controller) SaveSession(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	start := c.sessionStart
	title := c.title
	media := c.media
	recoveredAI := c.recoveredAI
	recoveredMic := c.recoveredMic
	c.mu.Unlock()

	if id == 0 {
		return ErrNoActiveSession
	}
	if title == "" {
		title = "Recording " + start.Format("2006-01-02 15:04")
	}

	record := &store.Session{
		ID:              id,
		Title:           title,
		Status:          store.StatusComplete,
		MainTranscript:  c.mainLog.Turns(),
		FanTranscript:   c.fanLog.Turns(),
		JudgeTranscript: c.judgeLog.Turns(),
		Config:          c.configSnapshot(),
		PodcastAudio:    c.podcastWAV(recoveredAI),
		MicAudio:        c.micWAV(recoveredMic),
		Media:           media,
		UpdatedAt:       c.now(),
	}
	if err := c.store.SaveOrUpdateSession(ctx, record); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}

	c.mainLog.Clear()
	c.fanLog.Clear()
	c.judgeLog.Clear()
	c.aiBuf.Clear()
	c.micBuf.Clear()
	c.mu.Lock()
	c.media = nil
	c.recoveredAI = nil
	c.recoveredMic = nil
	c.sessionID = 0
	c.sessionStart = time.Time{}
	c.title = ""
	c.mu.Unlock()

	c.log.Info().Int64("session_id", id).Msg("session saved")
	return nil
}

// podcastWAV returns the AI audio track. Recovered sessions carry an
// already-encoded blob which is reused verbatim.
func (c *Controller) podcastWAV(recovered []byte) []byte {
	if len(recovered) > 0 {
		return recovered
	}
	if c.aiBuf.Empty() {
		return nil
	}
	return audio.EncodeWAV(c.aiBuf.Bytes(), audio.PlaybackFormat)
}

func (c *Controller) micWAV(recovered []byte) []byte {
	if len(recovered) > 0 {
		return recovered
	}
	if c.micBuf.Empty() {
		return nil
	}
	return audio.EncodeWAV(c.micBuf.Bytes(), audio.CaptureFormat)
}

// autosaveLoop persists an incomplete snapshot on a fixed interval while the
// session is live. Failures are logged, never surfaced; a manual save wins
// by clearing the session id, which makes subsequent ticks no-ops.
func (c *Controller) autosaveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.autosave()
		}
	}
}

func (c *Controller) autosave() {
	c.mu.Lock()
	id := c.sessionID
	start := c.sessionStart
	title := c.title
	media := c.media
	recoveredAI := c.recoveredAI
	recoveredMic := c.recoveredMic
	c.mu.Unlock()

	if id == 0 {
		return
	}
	if title == "" {
		title = "Recording " + start.Format("2006-01-02 15:04")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	record := &store.Session{
		ID:              id,
		Title:           title,
		Status:          store.StatusIncomplete,
		MainTranscript:  c.mainLog.Turns(),
		FanTranscript:   c.fanLog.Turns(),
		JudgeTranscript: c.judgeLog.Turns(),
		Config:          c.configSnapshot(),
		PodcastAudio:    c.podcastWAV(recoveredAI),
		MicAudio:        c.micWAV(recoveredMic),
		Media:           media,
		UpdatedAt:       c.now(),
	}
	if err := c.store.SaveOrUpdateSession(ctx, record); err != nil {
		c.met.RecordAutosave("error")
		c.log.Warn().Err(err).Msg("autosave failed")
		return
	}
	c.met.RecordAutosave("ok")
}

// FindIncomplete looks up a crashed session left behind by autosave. It
// returns store.ErrNotFound when there is nothing to recover.
func (c *Controller) FindIncomplete(ctx context.Context) (*store.Session, error) {
	return c.store.FindIncompleteSession(ctx)
}

// Recover restores a crashed session's transcripts, media, config, and
// audio blobs into the controller. The blobs are reused as-is on the next
// save instead of being re-encoded.
func (c *Controller) Recover(sess *store.Session) {
	c.mainLog.Restore(sess.MainTranscript)
	c.fanLog.Restore(sess.FanTranscript)
	c.judgeLog.Restore(sess.JudgeTranscript)
	c.aiBuf.Clear()
	c.micBuf.Clear()

	c.mu.Lock()
	c.sessionID = sess.ID
	c.sessionStart = time.UnixMilli(sess.ID)
	c.title = sess.Title
	c.media = append([]store.MediaItem(nil), sess.Media...)
	c.recoveredAI = append([]byte(nil), sess.PodcastAudio...)
	c.recoveredMic = append([]byte(nil), sess.MicAudio...)
	c.mu.Unlock()

	c.log.Info().Int64("session_id", sess.ID).
		Int("turns", len(sess.MainTranscript)).
		Msg("session recovered")
}

// Discard deletes a crashed session record without restoring it.
func (c *Controller) Discard(ctx context.Context, id int64) error {
	return c.store.DeleteSession(ctx, id)
}

// visibleSystemTurn reports whether a system turn carries anything worth
// showing: a tool request or response, a Producer attribution, or an image.
func visibleSystemTurn(t transcript.Turn) bool {
	return t.ToolUseRequest != nil || t.ToolUseResponse != nil ||
		t.Author == "Producer" || len(t.Images) > 0
}

// VisibleTurns filters the main transcript for display: user and agent
// turns always show, system turns only when visibleSystemTurn says so.
func VisibleTurns(turns []transcript.Turn) []transcript.Turn {
	out := make([]transcript.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == transcript.RoleSystem && !visibleSystemTurn(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
