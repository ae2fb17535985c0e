// Package assembly turns an ordered set of independently produced audio
// fragments into a single correctly headered output artifact. Strategy
// selection is an explicit ordered list with per-strategy applicability
// predicates, evaluated top-down, so the fallback policy stays
// auditable and testable in isolation.
package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/narratolabs/narrato-core/internal/transcoder"
	"github.com/narratolabs/narrato-core/internal/wav"
)

// Format names an output container.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatM4B Format = "m4b"
)

// Chaptered reports whether the format carries embedded chapter marks.
func (f Format) Chaptered() bool {
	return f == FormatM4B
}

// Compressed reports whether the format requires the transcoder.
func (f Format) Compressed() bool {
	return f != FormatWAV
}

// Chapter is one assembly input; order in the slice is playback order
// and is preserved through every strategy.
type Chapter struct {
	ID    string
	Title string
	Audio []byte
}

// Options selects the output container and its metadata.
type Options struct {
	Format  Format
	Bitrate int
	Title   string
	Author  string
}

// ProgressFunc receives batch-granularity progress updates.
type ProgressFunc func(current, total int, message string)

// Error is the typed assembly failure surfaced to callers.
type Error struct {
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assembly %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("assembly %s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Assembler drives the strategy chain.
type Assembler struct {
	log     *slog.Logger
	decoder Decoder
	trans   *transcoder.Handle
}

// New creates an assembler. decoder may be nil in environments without
// a decode backend; the transcoder-concat fallback then covers
// non-splicable inputs.
func New(decoder Decoder, trans *transcoder.Handle, log *slog.Logger) *Assembler {
	return &Assembler{
		log:     log.With(slog.String("component", "assembler")),
		decoder: decoder,
		trans:   trans,
	}
}

type request struct {
	chapters []Chapter
	opts     Options
	headers  []*wav.Header // nil where parsing failed
	progress ProgressFunc
}

func (r *request) report(current, total int, message string) {
	if r.progress != nil {
		r.progress(current, total, message)
	}
}

type strategy struct {
	name       string
	applicable func(r *request) bool
	run        func(ctx context.Context, a *Assembler, r *request) ([]byte, error)
}

var strategies = []strategy{
	{
		name: "raw-splice",
		applicable: func(r *request) bool {
			return r.opts.Format == FormatWAV && len(r.chapters) > 1 && headersSplicable(r.headers)
		},
		run: func(_ context.Context, a *Assembler, r *request) ([]byte, error) {
			return spliceRaw(r.chapters, r.headers)
		},
	},
	{
		name: "single-identity",
		applicable: func(r *request) bool {
			return r.opts.Format == FormatWAV && len(r.chapters) == 1 &&
				r.headers[0] != nil && r.headers[0].AudioFormat == wav.FormatPCM
		},
		run: func(_ context.Context, _ *Assembler, r *request) ([]byte, error) {
			return r.chapters[0].Audio, nil
		},
	},
	{
		name: "decode-pipeline",
		applicable: func(r *request) bool {
			return true // gated on the decoder inside the assembler
		},
		run: func(ctx context.Context, a *Assembler, r *request) ([]byte, error) {
			return a.decodePipeline(ctx, r)
		},
	},
	{
		name: "transcoder-concat",
		applicable: func(r *request) bool {
			return true // gated on the transcoder inside the assembler
		},
		run: func(ctx context.Context, a *Assembler, r *request) ([]byte, error) {
			return a.transcoderConcat(ctx, r)
		},
	},
}

// Assemble produces one output artifact from the ordered chapter set.
func (a *Assembler) Assemble(ctx context.Context, chapters []Chapter, opts Options, progress ProgressFunc) ([]byte, error) {
	if len(chapters) == 0 {
		return nil, &Error{Op: "assemble", Msg: "no input chapters"}
	}

	req := &request{
		chapters: chapters,
		opts:     opts,
		headers:  make([]*wav.Header, len(chapters)),
		progress: progress,
	}
	for i, ch := range chapters {
		if h, err := wav.ParseHeader(ch.Audio); err == nil {
			req.headers[i] = &h
		}
	}

	var firstErr error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.applicable(req) {
			continue
		}
		if s.name == "decode-pipeline" && a.decoder == nil {
			continue
		}
		if s.name == "transcoder-concat" && !a.trans.Enabled() {
			continue
		}
		out, err := s.run(ctx, a, req)
		if err == nil {
			a.log.Info("assembly complete",
				slog.String("strategy", s.name),
				slog.String("format", string(opts.Format)),
				slog.Int("chapters", len(chapters)),
				slog.Int("bytes", len(out)))
			return out, nil
		}
		a.log.Warn("assembly strategy failed",
			slog.String("strategy", s.name),
			slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, &Error{Op: "assemble", Msg: fmt.Sprintf("no applicable strategy for format %q", opts.Format)}
}

// headersSplicable reports whether every input parsed as PCM WAV with
// identical format fields.
func headersSplicable(headers []*wav.Header) bool {
	if len(headers) == 0 || headers[0] == nil {
		return false
	}
	ref := headers[0]
	if ref.AudioFormat != wav.FormatPCM {
		return false
	}
	for _, h := range headers[1:] {
		if h == nil || !sameFormat(ref, h) {
			return false
		}
	}
	return true
}

func sameFormat(a, b *wav.Header) bool {
	return a.AudioFormat == b.AudioFormat &&
		a.Channels == b.Channels &&
		a.SampleRate == b.SampleRate &&
		a.BitsPerSample == b.BitsPerSample
}

// spliceRaw concatenates data chunk payloads under one fresh header
// without decoding any samples. Inputs must share identical format
// fields; a mismatch fails with an error naming the offending input.
func spliceRaw(chapters []Chapter, headers []*wav.Header) ([]byte, error) {
	if len(chapters) == 0 {
		return nil, &Error{Op: "splice", Msg: "no input chapters"}
	}
	ref := headers[0]
	if ref == nil {
		return nil, &Error{Op: "splice", Msg: "input 0 is not a parseable WAV container"}
	}
	if ref.AudioFormat != wav.FormatPCM {
		return nil, &Error{Op: "splice", Msg: fmt.Sprintf("input 0 is not PCM (audio format %d)", ref.AudioFormat)}
	}

	totalData := 0
	var mismatches []string
	for i, h := range headers {
		if h == nil {
			mismatches = append(mismatches, fmt.Sprintf("input %d is not a parseable WAV container", i))
			continue
		}
		if h.Channels != ref.Channels {
			mismatches = append(mismatches, wav.DescribeMismatch("channel count", i, ref.Channels, h.Channels))
		}
		if h.SampleRate != ref.SampleRate {
			mismatches = append(mismatches, wav.DescribeMismatch("sample rate", i, ref.SampleRate, h.SampleRate))
		}
		if h.BitsPerSample != ref.BitsPerSample {
			mismatches = append(mismatches, wav.DescribeMismatch("bit depth", i, ref.BitsPerSample, h.BitsPerSample))
		}
		if h.AudioFormat != ref.AudioFormat {
			mismatches = append(mismatches, wav.DescribeMismatch("audio format", i, ref.AudioFormat, h.AudioFormat))
		}
		totalData += h.DataLength
	}
	if len(mismatches) > 0 {
		return nil, &Error{Op: "splice", Msg: strings.Join(mismatches, "; ")}
	}

	out := make([]byte, 0, wav.HeaderSize+totalData)
	out = append(out, wav.WriteHeader(ref.SampleRate, ref.Channels, ref.BitsPerSample, totalData)...)
	for i, ch := range chapters {
		h := headers[i]
		out = append(out, ch.Audio[h.DataOffset:h.DataOffset+h.DataLength]...)
	}
	return out, nil
}

// decodePipeline decodes, normalizes, concatenates, and encodes. A
// single bad input is downgraded to one second of silence; a dropped
// chapter beats a failed export for narration content.
func (a *Assembler) decodePipeline(ctx context.Context, r *request) ([]byte, error) {
	total := len(r.chapters) + 2 // decode steps + normalize + encode

	buffers := make([]*Buffer, len(r.chapters))
	firstRate := 0
	for i, ch := range r.chapters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := a.decoder.Decode(ch.Audio)
		if err != nil {
			a.log.Warn("chapter decode failed, substituting silence",
				slog.Int("index", i),
				slog.String("chapter", ch.ID),
				slog.String("error", err.Error()))
			buffers[i] = nil
		} else {
			buffers[i] = buf
			if firstRate == 0 {
				firstRate = buf.SampleRate
			}
		}
		r.report(i+1, total, fmt.Sprintf("decoded chapter %d/%d", i+1, len(r.chapters)))
	}
	if firstRate == 0 {
		return nil, &Error{Op: "decode", Msg: "no input chapter could be decoded"}
	}

	maxChannels := 1
	for _, b := range buffers {
		if b != nil && len(b.Channels) > maxChannels {
			maxChannels = len(b.Channels)
		}
	}
	for i, b := range buffers {
		if b == nil {
			buffers[i] = silence(1.0, firstRate, maxChannels)
		}
	}

	normalized := normalize(buffers)
	r.report(len(r.chapters)+1, total, "normalized buffers")

	joined := concat(normalized)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.opts.Format == FormatWAV {
		out := encodeWAV(joined)
		r.report(total, total, "encoded wav")
		return out, nil
	}

	params := transcoder.Params{
		Format:        string(r.opts.Format),
		Bitrate:       r.opts.Bitrate,
		SampleRate:    joined.SampleRate,
		Channels:      len(joined.Channels),
		BitsPerSample: 16,
		Title:         r.opts.Title,
		Author:        r.opts.Author,
	}
	if r.opts.Format.Chaptered() {
		params.Chapters = chapterMarkers(r.chapters, normalized)
	}

	out, err := a.trans.Encode(ctx, encodePCM16(joined), params)
	if err != nil {
		return nil, &Error{Op: "encode", Msg: fmt.Sprintf("transcode to %s failed", r.opts.Format), Err: err}
	}
	r.report(total, total, "encoded "+string(r.opts.Format))
	return out, nil
}

// chapterMarkers derives START/END marks in milliseconds from the
// normalized buffer lengths, in input order.
func chapterMarkers(chapters []Chapter, buffers []*Buffer) []transcoder.Marker {
	markers := make([]transcoder.Marker, 0, len(chapters))
	var cursor float64
	for i, ch := range chapters {
		dur := buffers[i].Duration()
		title := ch.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		markers = append(markers, transcoder.Marker{
			Title:   title,
			StartMS: int64(cursor * 1000),
			EndMS:   int64((cursor + dur) * 1000),
		})
		cursor += dur
	}
	return markers
}

// transcoderConcat feeds the raw inputs to the transcoder's own
// demuxer/concat path, salvaging a raw splice across matching PCM
// inputs if the transcoder also fails.
func (a *Assembler) transcoderConcat(ctx context.Context, r *request) ([]byte, error) {
	inputs := make([][]byte, len(r.chapters))
	for i, ch := range r.chapters {
		inputs[i] = ch.Audio
	}

	params := transcoder.Params{
		Format:  string(r.opts.Format),
		Bitrate: r.opts.Bitrate,
		Title:   r.opts.Title,
		Author:  r.opts.Author,
	}
	if r.opts.Format.Chaptered() {
		markers := make([]transcoder.Marker, 0, len(r.chapters))
		var cursor float64
		for i, ch := range r.chapters {
			d := wav.Measure(ch.Audio)
			title := ch.Title
			if title == "" {
				title = fmt.Sprintf("Chapter %d", i+1)
			}
			markers = append(markers, transcoder.Marker{
				Title:   title,
				StartMS: int64(cursor * 1000),
				EndMS:   int64((cursor + d.Seconds) * 1000),
			})
			cursor += d.Seconds
		}
		params.Chapters = markers
	}

	out, err := a.trans.Concat(ctx, inputs, params)
	if err == nil {
		return out, nil
	}
	a.log.Warn("transcoder concat failed, attempting raw splice salvage",
		slog.String("error", err.Error()))

	salvaged, salvageErr := a.salvageSplice(r)
	if salvageErr != nil {
		return nil, &Error{Op: "concat", Msg: "transcoder concat failed and no input could be salvaged", Err: err}
	}
	return salvaged, nil
}

// salvageSplice splices the subset of inputs whose PCM format matches
// the first parseable one. Used only as a last resort.
func (a *Assembler) salvageSplice(r *request) ([]byte, error) {
	var ref *wav.Header
	for _, h := range r.headers {
		if h != nil && h.AudioFormat == wav.FormatPCM {
			ref = h
			break
		}
	}
	if ref == nil {
		return nil, &Error{Op: "salvage", Msg: "no PCM input available"}
	}

	var keep []Chapter
	var headers []*wav.Header
	for i, h := range r.headers {
		if h != nil && sameFormat(ref, h) {
			keep = append(keep, r.chapters[i])
			headers = append(headers, h)
		} else {
			a.log.Warn("dropping unsalvageable input", slog.Int("index", i))
		}
	}
	return spliceRaw(keep, headers)
}
