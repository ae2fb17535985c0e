package protocol

import "time"

// TextSegment is a sentence-sized unit of chapter text produced by the
// segmenter, ordered by Index within a chapter.
type TextSegment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	ID    string `json:"id"`
}

// GenerateRequest asks the runtime to narrate one chapter.
type GenerateRequest struct {
	BookID    string        `json:"book_id"`
	ChapterID string        `json:"chapter_id"`
	Title     string        `json:"title"`
	Voice     string        `json:"voice,omitempty"`
	Segments  []TextSegment `json:"segments"`
}

// GenerationProgress is published after every scheduler batch.
type GenerationProgress struct {
	BookID    string    `json:"book_id"`
	ChapterID string    `json:"chapter_id"`
	RunID     string    `json:"run_id"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SegmentReady announces a synthesized segment before its flush completes.
type SegmentReady struct {
	BookID    string  `json:"book_id"`
	ChapterID string  `json:"chapter_id"`
	SegmentID string  `json:"segment_id"`
	Index     int     `json:"index"`
	Duration  float64 `json:"duration_seconds"`
}

// GenerationDone reports the terminal state of a chapter run.
type GenerationDone struct {
	BookID    string    `json:"book_id"`
	ChapterID string    `json:"chapter_id"`
	RunID     string    `json:"run_id"`
	Processed int       `json:"processed"`
	Failed    []int     `json:"failed,omitempty"`
	Cancelled bool      `json:"cancelled"`
	Duration  float64   `json:"duration_seconds"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CancelRequest aborts an in-flight chapter run.
type CancelRequest struct {
	BookID    string `json:"book_id"`
	ChapterID string `json:"chapter_id"`
}

// ExportRequest asks the runtime to assemble a whole book.
type ExportRequest struct {
	BookID     string   `json:"book_id"`
	ChapterIDs []string `json:"chapter_ids"`
	Format     string   `json:"format"`
	Bitrate    int      `json:"bitrate_kbps,omitempty"`
	Title      string   `json:"title,omitempty"`
	Author     string   `json:"author,omitempty"`
}

// ExportDone reports the terminal state of a book export.
type ExportDone struct {
	BookID    string    `json:"book_id"`
	Format    string    `json:"format"`
	Duration  float64   `json:"duration_seconds"`
	Bytes     int       `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectGenerateRequest  = "narrato.generate.request"
	SubjectGenerateProgress = "narrato.generate.progress"
	SubjectSegmentReady     = "narrato.generate.segment"
	SubjectGenerateDone     = "narrato.generate.done"
	SubjectGenerateCancel   = "narrato.generate.cancel"
	SubjectExportRequest    = "narrato.export.request"
	SubjectExportDone       = "narrato.export.done"
)
