package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

var ErrNotWAV = errors.New("audio: not a PCM16 WAV file")

// EncodeWAV wraps raw 16-bit PCM in a standard 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, format Format) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	writeWAVHeader(out, len(pcm), format)
	copy(out[wavHeaderSize:], pcm)
	return out
}

// EncodeWAVFloat32 converts float samples to PCM16 and wraps them in a WAV
// header.
func EncodeWAVFloat32(samples []float32, format Format) []byte {
	pcm := Float32ToPCM16(samples)
	return EncodeWAV(pcm, format)
}

func writeWAVHeader(dst []byte, dataLen int, format Format) {
	le := binary.LittleEndian
	blockAlign := format.Channels * 2
	byteRate := format.SampleRateHz * blockAlign

	copy(dst[0:4], "RIFF")
	le.PutUint32(dst[4:8], uint32(wavHeaderSize+dataLen-8))
	copy(dst[8:12], "WAVE")

	copy(dst[12:16], "fmt ")
	le.PutUint32(dst[16:20], 16) // PCM fmt chunk size
	le.PutUint16(dst[20:22], 1)  // PCM format
	le.PutUint16(dst[22:24], uint16(format.Channels))
	le.PutUint32(dst[24:28], uint32(format.SampleRateHz))
	le.PutUint32(dst[28:32], uint32(byteRate))
	le.PutUint16(dst[32:34], uint16(blockAlign))
	le.PutUint16(dst[34:36], 16) // bits per sample

	copy(dst[36:40], "data")
	le.PutUint32(dst[40:44], uint32(dataLen))
}

// DecodeWAV extracts the PCM16 payload and format from a WAV file. It walks
// the RIFF chunk list, so files with extra chunks (LIST, fact) still decode.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	le := binary.LittleEndian
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}

	var format Format
	var sawFmt bool
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(le.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(data) {
			return nil, Format{}, fmt.Errorf("audio: truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, ErrNotWAV
			}
			if le.Uint16(data[body:body+2]) != 1 || le.Uint16(data[body+14:body+16]) != 16 {
				return nil, Format{}, ErrNotWAV
			}
			format = Format{
				Channels:     int(le.Uint16(data[body+2 : body+4])),
				SampleRateHz: int(le.Uint32(data[body+4 : body+8])),
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return nil, Format{}, ErrNotWAV
			}
			pcm := make([]byte, size)
			copy(pcm, data[body:body+size])
			return pcm, format, nil
		}
		// Chunks are word-aligned.
		offset = body + size + size%2
	}
	return nil, Format{}, ErrNotWAV
}
