// Package audio provides the PCM plumbing for a live recording session:
// sample math, chunk accumulation, WAV encoding, microphone capture, and
// speaker playback. All PCM in this package is 16-bit signed little-endian.
package audio

import (
	"math"
	"time"
)

// Format describes the shape of a PCM stream.
type Format struct {
	SampleRateHz int
	Channels     int
}

// CaptureFormat is the microphone format sent to the backend.
var CaptureFormat = Format{SampleRateHz: 16000, Channels: 1}

// PlaybackFormat is the format the backend streams back.
var PlaybackFormat = Format{SampleRateHz: 24000, Channels: 1}

func (f Format) BytesPerSecond() int {
	return f.SampleRateHz * f.Channels * 2
}

func (f Format) BytesForDuration(d time.Duration) int {
	return int(d.Milliseconds()) * f.BytesPerSecond() / 1000
}

func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// RMSEnergy computes the root-mean-square energy of PCM audio.
// Returns a value between 0.0 and 1.0.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func PeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// Use float64 to avoid overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// Float32ToPCM16 converts float samples in [-1, 1] to 16-bit PCM bytes.
// Out-of-range samples are clamped. Negative samples scale by 0x8000 and
// positive by 0x7FFF so both ends of the range are reachable.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// PCM16ToFloat32 converts 16-bit PCM bytes to float samples in [-1, 1).
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(sample) / 32768.0
	}
	return out
}
