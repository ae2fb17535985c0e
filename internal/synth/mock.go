package synth

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that emits silence proportional to
// the text length. Useful for tests and for exercising the pipeline
// without a speech model.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Roughly 60ms of audio per character, clamped to [200ms, 10s].
	ms := len(req.Text) * 60
	if ms < 200 {
		ms = 200
	}
	if ms > 10000 {
		ms = 10000
	}
	frames := m.sampleRate * ms / 1000

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: m.channels, SampleRate: m.sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, frames*m.channels),
	}

	var out seekableBuffer
	enc := wav.NewEncoder(&out, m.sampleRate, 16, m.channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

// seekableBuffer adapts bytes.Buffer to the WriteSeeker the wav encoder
// needs for header back-patching.
type seekableBuffer struct {
	buf bytes.Buffer
	pos int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if b.pos < b.buf.Len() {
		n := copy(b.buf.Bytes()[b.pos:], p)
		b.pos += n
		if n < len(p) {
			m, err := b.buf.Write(p[n:])
			b.pos += m
			return n + m, err
		}
		return n, nil
	}
	n, err := b.buf.Write(p)
	b.pos += n
	return n, err
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case 0:
		next = int(offset)
	case 1:
		next = b.pos + int(offset)
	case 2:
		next = b.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	b.pos = next
	return int64(next), nil
}

func (b *seekableBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
