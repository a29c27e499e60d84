package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// Player queues PCM16 chunks and plays them through the default output
// device. Playback is pull-based: oto reads from the internal buffer, so an
// interrupt can drop everything that has not reached the device yet.
type Player struct {
	otoCtx   *oto.Context
	format   Format
	onVolume func(level float64)
	log      zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool
}

func NewPlayer(format Format, onVolume func(float64), log zerolog.Logger) (*Player, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   format.SampleRateHz,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	p := &Player{
		otoCtx:   otoCtx,
		format:   format,
		onVolume: onVolume,
		log:      log.With().Str("component", "playback").Logger(),
		buf:      make([]byte, 0, format.BytesPerSecond()*2),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Write queues a chunk for playback, starting the device player on the
// first chunk after creation or an interrupt.
func (p *Player) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.buf = append(p.buf, data...)

	if !p.playing {
		p.playing = true
		p.player = p.otoCtx.NewPlayer(p)
		p.player.Play()
	}
	p.cond.Signal()
}

// Read implements io.Reader for oto.Player. oto calls it to pull audio.
func (p *Player) Read(out []byte) (int, error) {
	p.mu.Lock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}

	if p.closed && len(p.buf) == 0 {
		p.mu.Unlock()
		// Serve silence so oto drains gracefully.
		for i := range out {
			out[i] = 0
		}
		return len(out), nil
	}

	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	p.mu.Unlock()

	if p.onVolume != nil {
		p.onVolume(RMSEnergy(out[:n]))
	}
	return n, nil
}

// Flush discards all queued audio and stops the device player so nothing
// already handed to the device keeps playing. Used on interruption.
func (p *Player) Flush() {
	p.mu.Lock()
	p.buf = p.buf[:0]

	if p.player != nil && p.playing {
		p.playing = false
		player := p.player
		p.player = nil
		p.mu.Unlock()

		// Pause first so audio stops now, then reset to drop oto's
		// internal buffer before discarding the player.
		player.Pause()
		player.Reset()
		player.Close()

		if p.onVolume != nil {
			p.onVolume(0)
		}
		return
	}
	p.mu.Unlock()
}

// Resume re-arms the player after a Close-less teardown; the next Write
// starts a fresh device player.
func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
}

func (p *Player) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	player := p.player
	p.player = nil
	p.playing = false
	p.mu.Unlock()

	if player != nil {
		player.Close()
	}
}
