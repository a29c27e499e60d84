package audio

import (
	"sync"
	"time"
)

// ChunkBuffer accumulates PCM chunks for the duration of a session so they
// can be concatenated into a single recording on save. Chunks are copied on
// append; callers may reuse their slices.
type ChunkBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	total  int
	format Format
}

func NewChunkBuffer(format Format) *ChunkBuffer {
	return &ChunkBuffer{format: format}
}

func (b *ChunkBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, cp)
	b.total += len(cp)
}

// Bytes concatenates all accumulated chunks into one slice.
func (b *ChunkBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, b.total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *ChunkBuffer) Empty() bool {
	return b.Len() == 0
}

func (b *ChunkBuffer) Duration() time.Duration {
	b.mu.Lock()
	total := b.total
	b.mu.Unlock()
	return b.format.Duration(total)
}

func (b *ChunkBuffer) Format() Format {
	return b.format
}

func (b *ChunkBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.total = 0
}
