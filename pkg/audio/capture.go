package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// CaptureCallbacks receives microphone data. Both callbacks are invoked from
// the audio device thread and must not block.
type CaptureCallbacks struct {
	// OnChunk receives raw PCM16 chunks. The slice is only valid for the
	// duration of the call.
	OnChunk func(pcm []byte)
	// OnVolume receives the RMS energy of each chunk, in [0, 1].
	OnVolume func(level float64)
}

// Capture records microphone audio as 16 kHz mono PCM16.
//
// Start while recording is a no-op. Stop issued while a Start is still
// settling is remembered and applied as soon as the device comes up, so
// callers never observe a capture that outlives its stop.
type Capture struct {
	ctx       *malgo.AllocatedContext
	format    Format
	callbacks CaptureCallbacks
	log       zerolog.Logger

	mu          sync.Mutex
	device      *malgo.Device
	recording   bool
	starting    bool
	stopPending bool
}

func NewCapture(format Format, callbacks CaptureCallbacks, log zerolog.Logger) (*Capture, error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Capture{
		ctx:       ctx,
		format:    format,
		callbacks: callbacks,
		log:       log.With().Str("component", "capture").Logger(),
	}, nil
}

// Start brings up the microphone device. It returns immediately; device
// initialization settles on a background goroutine.
func (c *Capture) Start() {
	c.mu.Lock()
	if c.recording || c.starting {
		c.mu.Unlock()
		return
	}
	c.starting = true
	c.stopPending = false
	c.mu.Unlock()

	go c.startDevice()
}

func (c *Capture) startDevice() {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.format.Channels)
	deviceConfig.SampleRate = uint32(c.format.SampleRateHz)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			if c.callbacks.OnChunk != nil {
				c.callbacks.OnChunk(pInputSamples)
			}
			if c.callbacks.OnVolume != nil {
				c.callbacks.OnVolume(RMSEnergy(pInputSamples))
			}
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err == nil {
		err = device.Start()
		if err != nil {
			device.Uninit()
		}
	}

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.stopPending = false
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("microphone start failed")
		return
	}
	if c.stopPending {
		// Stop arrived while the device was coming up.
		c.stopPending = false
		c.mu.Unlock()
		device.Stop()
		device.Uninit()
		return
	}
	c.device = device
	c.recording = true
	c.mu.Unlock()
}

// Stop tears down the microphone device. A stop racing an in-flight start is
// deferred until the start settles.
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.starting {
		c.stopPending = true
		c.mu.Unlock()
		return
	}
	device := c.device
	c.device = nil
	c.recording = false
	c.mu.Unlock()

	if device != nil {
		device.Stop()
		device.Uninit()
	}
}

// Recording reports whether the device is currently capturing.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Capture) Close() {
	c.Stop()
	_ = c.ctx.Uninit()
	c.ctx.Free()
}
