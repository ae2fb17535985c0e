// Package wav implements the minimal RIFF/WAVE container handling the
// assembly pipeline needs: header parsing with a tolerant chunk walk,
// canonical PCM header writing, and duration measurement.
package wav

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of a canonical PCM WAV header.
const HeaderSize = 44

// FormatPCM is the fmt chunk audio format code for uncompressed PCM.
const FormatPCM = 1

// Fallback parameters used when a payload cannot be parsed at all and
// only an estimate is possible. TTS engines in the wild overwhelmingly
// emit 16-bit mono at 22050 Hz.
const (
	fallbackSampleRate = 22050
	fallbackChannels   = 1
	fallbackBitDepth   = 16
)

// Header describes the format of a parsed WAV payload.
type Header struct {
	AudioFormat   int
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataOffset    int
	DataLength    int
}

// FormatError reports a malformed or unsupported container.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "wav: " + e.Reason
}

// ParseHeader walks the RIFF chunk list and extracts the fmt and data
// chunk information. It does not assume fmt immediately precedes data;
// unknown chunks are skipped by their declared size (word-aligned).
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return h, &FormatError{Reason: "missing RIFF/WAVE magic"}
	}

	haveFmt := false
	haveData := false
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return h, &FormatError{Reason: "fmt chunk truncated"}
			}
			h.AudioFormat = int(binary.LittleEndian.Uint16(b[body : body+2]))
			h.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			haveFmt = true
		case "data":
			if body+size > len(b) {
				// Tolerate a declared size that overruns the payload;
				// clamp to what is actually present.
				size = len(b) - body
			}
			h.DataOffset = body
			h.DataLength = size
			haveData = true
		}
		if haveFmt && haveData {
			return h, nil
		}
		// Chunks are word-aligned; odd sizes carry a pad byte.
		if size%2 == 1 {
			size++
		}
		pos = body + size
	}
	if !haveFmt {
		return h, &FormatError{Reason: "no fmt chunk found"}
	}
	return h, &FormatError{Reason: "no data chunk found"}
}

// WriteHeader produces a canonical 44-byte PCM header for a data chunk
// of the given length.
func WriteHeader(sampleRate, channels, bitsPerSample, dataLength int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, HeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLength))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], FormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLength))

	return header
}

// Duration is a measured or estimated payload length in seconds.
// Estimated results come from the documented fallback format and must
// not be trusted for timeline math.
type Duration struct {
	Seconds   float64
	Estimated bool
}

// Measure computes the playback duration from the container header.
// When parsing fails outright the raw byte count is converted using the
// fallback format and the result is flagged as estimated.
func Measure(b []byte) Duration {
	h, err := ParseHeader(b)
	if err != nil || h.SampleRate == 0 || h.Channels == 0 || h.BitsPerSample == 0 {
		payload := len(b)
		if payload > HeaderSize {
			payload -= HeaderSize
		}
		seconds := float64(payload) / float64(fallbackSampleRate*fallbackChannels*fallbackBitDepth/8)
		return Duration{Seconds: seconds, Estimated: true}
	}
	bytesPerSecond := h.SampleRate * h.Channels * h.BitsPerSample / 8
	return Duration{Seconds: float64(h.DataLength) / float64(bytesPerSecond)}
}

// DescribeMismatch renders a format field difference for error messages.
func DescribeMismatch(field string, index int, want, got int) string {
	return fmt.Sprintf("%s mismatch at input %d: expected %d, got %d", field, index, want, got)
}
