package wav

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestWriteParseRoundTrip(t *testing.T) {
	cases := []struct {
		sampleRate, channels, bits, dataLen int
	}{
		{22050, 1, 16, 44100},
		{44100, 2, 16, 176400},
		{24000, 1, 16, 48000},
		{48000, 2, 24, 288000},
	}
	for _, tc := range cases {
		b := WriteHeader(tc.sampleRate, tc.channels, tc.bits, tc.dataLen)
		b = append(b, make([]byte, tc.dataLen)...)
		h, err := ParseHeader(b)
		if err != nil {
			t.Fatalf("parse header: %v", err)
		}
		if h.SampleRate != tc.sampleRate || h.Channels != tc.channels || h.BitsPerSample != tc.bits || h.DataLength != tc.dataLen {
			t.Fatalf("round trip mismatch: %+v vs %+v", h, tc)
		}
		if h.AudioFormat != FormatPCM {
			t.Fatalf("expected PCM format, got %d", h.AudioFormat)
		}
		if h.DataOffset != HeaderSize {
			t.Fatalf("expected data offset %d, got %d", HeaderSize, h.DataOffset)
		}
	}
}

func TestParseHeaderRejectsNonRIFF(t *testing.T) {
	var fe *FormatError
	_, err := ParseHeader([]byte("not a wave file at all......"))
	if err == nil {
		t.Fatal("expected error for non-RIFF input")
	}
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FormatError, got %T", err)
	}
}

func TestParseHeaderSkipsExtraChunks(t *testing.T) {
	// RIFF header, then a LIST chunk before fmt and a fact chunk
	// between fmt and data.
	data := make([]byte, 0, 128)
	data = append(data, []byte("RIFF")...)
	data = append(data, 0, 0, 0, 0) // riff size, unused by parser
	data = append(data, []byte("WAVE")...)

	data = append(data, []byte("LIST")...)
	data = appendLE32(data, 6)
	data = append(data, []byte("INFOab")...) // odd-length handling not needed, 6 bytes

	data = append(data, []byte("fmt ")...)
	data = appendLE32(data, 16)
	fmtBody := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtBody[0:2], FormatPCM)
	binary.LittleEndian.PutUint16(fmtBody[2:4], 2)
	binary.LittleEndian.PutUint32(fmtBody[4:8], 44100)
	binary.LittleEndian.PutUint32(fmtBody[8:12], 176400)
	binary.LittleEndian.PutUint16(fmtBody[12:14], 4)
	binary.LittleEndian.PutUint16(fmtBody[14:16], 16)
	data = append(data, fmtBody...)

	data = append(data, []byte("fact")...)
	data = appendLE32(data, 4)
	data = appendLE32(data, 44100)

	data = append(data, []byte("data")...)
	data = appendLE32(data, 8)
	payloadOffset := len(data)
	data = append(data, 1, 2, 3, 4, 5, 6, 7, 8)

	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if h.SampleRate != 44100 || h.Channels != 2 || h.BitsPerSample != 16 {
		t.Fatalf("unexpected format fields: %+v", h)
	}
	if h.DataOffset != payloadOffset || h.DataLength != 8 {
		t.Fatalf("unexpected data location: offset=%d length=%d", h.DataOffset, h.DataLength)
	}
}

func TestMeasureExact(t *testing.T) {
	// One second of 24000 Hz mono 16-bit.
	b := WriteHeader(24000, 1, 16, 48000)
	b = append(b, make([]byte, 48000)...)
	d := Measure(b)
	if d.Estimated {
		t.Fatal("expected exact measurement")
	}
	if math.Abs(d.Seconds-1.0) > 1e-9 {
		t.Fatalf("expected 1s, got %f", d.Seconds)
	}
}

func TestMeasureFallbackIsFlagged(t *testing.T) {
	d := Measure(make([]byte, 44100+HeaderSize))
	if !d.Estimated {
		t.Fatal("expected estimated measurement for unparseable payload")
	}
	if math.Abs(d.Seconds-1.0) > 1e-9 {
		t.Fatalf("expected fallback estimate of 1s at 22050 Hz mono, got %f", d.Seconds)
	}
}

func appendLE32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
