package assembly

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	gowav "github.com/go-audio/wav"
	"github.com/narratolabs/narrato-core/internal/wav"
)

// Buffer is a decoded, planar PCM buffer. Channels hold one float64
// slice each, all the same length, samples in [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   [][]float64
}

// Frames returns the per-channel sample count.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate == 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Decoder turns a container payload into raw samples. Implementations
// may be unavailable in restricted environments; the assembler then
// falls back to transcoder-side concatenation.
type Decoder interface {
	Decode(payload []byte) (*Buffer, error)
}

type wavDecoder struct{}

// NewWavDecoder decodes PCM WAV payloads.
func NewWavDecoder() Decoder {
	return wavDecoder{}
}

func (wavDecoder) Decode(payload []byte) (*Buffer, error) {
	dec := gowav.NewDecoder(bytes.NewReader(payload))
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels <= 0 || pcm.Format.SampleRate <= 0 {
		return nil, errors.New("wav buffer missing format")
	}

	channels := pcm.Format.NumChannels
	frames := len(pcm.Data) / channels
	bitDepth := pcm.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := math.Pow(2, float64(bitDepth-1))

	out := &Buffer{
		SampleRate: pcm.Format.SampleRate,
		Channels:   make([][]float64, channels),
	}
	for ch := 0; ch < channels; ch++ {
		out.Channels[ch] = make([]float64, frames)
	}
	for frame := 0; frame < frames; frame++ {
		for ch := 0; ch < channels; ch++ {
			out.Channels[ch][frame] = float64(pcm.Data[frame*channels+ch]) / scale
		}
	}
	return out, nil
}

// silence returns a buffer of the given length filled with zeros.
func silence(seconds float64, sampleRate, channels int) *Buffer {
	frames := int(seconds * float64(sampleRate))
	out := &Buffer{SampleRate: sampleRate, Channels: make([][]float64, channels)}
	for ch := range out.Channels {
		out.Channels[ch] = make([]float64, frames)
	}
	return out
}

// upmix duplicates the highest-indexed existing channel until the
// buffer has the target channel count.
func upmix(b *Buffer, channels int) *Buffer {
	if len(b.Channels) >= channels {
		return b
	}
	out := &Buffer{SampleRate: b.SampleRate, Channels: make([][]float64, 0, channels)}
	out.Channels = append(out.Channels, b.Channels...)
	last := b.Channels[len(b.Channels)-1]
	for len(out.Channels) < channels {
		dup := make([]float64, len(last))
		copy(dup, last)
		out.Channels = append(out.Channels, dup)
	}
	return out
}

// resample converts the buffer to the target rate with linear
// interpolation. Narration content is band-limited well below common
// sample rates, so the lack of band-limited filtering is acceptable.
func resample(b *Buffer, rate int) *Buffer {
	if b.SampleRate == rate || b.Frames() == 0 {
		b.SampleRate = rate
		return b
	}
	ratio := float64(b.SampleRate) / float64(rate)
	outFrames := int(float64(b.Frames()) * float64(rate) / float64(b.SampleRate))
	out := &Buffer{SampleRate: rate, Channels: make([][]float64, len(b.Channels))}
	for ch, in := range b.Channels {
		dst := make([]float64, outFrames)
		for i := 0; i < outFrames; i++ {
			pos := float64(i) * ratio
			i0 := int(pos)
			if i0 >= len(in)-1 {
				dst[i] = in[len(in)-1]
				continue
			}
			frac := pos - float64(i0)
			dst[i] = in[i0]*(1-frac) + in[i0+1]*frac
		}
		out.Channels[ch] = dst
	}
	return out
}

// normalize brings every buffer to the same channel count (the maximum
// across inputs) and sample rate (the first buffer's).
func normalize(buffers []*Buffer) []*Buffer {
	if len(buffers) == 0 {
		return buffers
	}
	maxChannels := 1
	for _, b := range buffers {
		if len(b.Channels) > maxChannels {
			maxChannels = len(b.Channels)
		}
	}
	targetRate := buffers[0].SampleRate

	out := make([]*Buffer, len(buffers))
	for i, b := range buffers {
		nb := upmix(b, maxChannels)
		nb = resample(nb, targetRate)
		out[i] = nb
	}
	return out
}

// concat joins buffers channel-by-channel in input order. All buffers
// must already be normalized.
func concat(buffers []*Buffer) *Buffer {
	if len(buffers) == 0 {
		return &Buffer{}
	}
	channels := len(buffers[0].Channels)
	total := 0
	for _, b := range buffers {
		total += b.Frames()
	}
	out := &Buffer{SampleRate: buffers[0].SampleRate, Channels: make([][]float64, channels)}
	for ch := 0; ch < channels; ch++ {
		dst := make([]float64, total)
		offset := 0
		for _, b := range buffers {
			offset += copy(dst[offset:], b.Channels[ch])
		}
		out.Channels[ch] = dst
	}
	return out
}

// encodePCM16 interleaves the buffer into little-endian 16-bit PCM.
func encodePCM16(b *Buffer) []byte {
	frames := b.Frames()
	channels := len(b.Channels)
	out := make([]byte, frames*channels*2)
	pos := 0
	for frame := 0; frame < frames; frame++ {
		for ch := 0; ch < channels; ch++ {
			v := b.Channels[ch][frame]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			sample := int16(v * 32767)
			out[pos] = byte(sample)
			out[pos+1] = byte(uint16(sample) >> 8)
			pos += 2
		}
	}
	return out
}

// encodeWAV wraps the buffer in a canonical PCM WAV container.
func encodeWAV(b *Buffer) []byte {
	pcm := encodePCM16(b)
	header := wav.WriteHeader(b.SampleRate, len(b.Channels), 16, len(pcm))
	return append(header, pcm...)
}
