// Package segstore persists synthesized segments and assembled chapter
// audio in SQLite. All writes are keyed upserts, so repeating a flush
// (mid-run batch, then final chapter snapshot) is safe.
package segstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/narratolabs/narrato-core/internal/config"
	_ "modernc.org/sqlite"
)

// Segment is a persisted audio segment row.
type Segment struct {
	ID        string
	BookID    string
	ChapterID string
	Index     int
	Audio     []byte
	Format    string
	Duration  float64
	StartTime float64
	CreatedAt time.Time
}

// Assembled is a persisted chapter-level (or book-level) audio artifact.
type Assembled struct {
	BookID    string
	ChapterID string
	Format    string
	Audio     []byte
	Duration  float64
	Title     string
	CreatedAt time.Time
}

// Store wraps the SQLite-backed segment store.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("segment store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS segments (
    book_id TEXT NOT NULL,
    chapter_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    segment_id TEXT NOT NULL,
    audio BLOB NOT NULL,
    format TEXT NOT NULL,
    duration REAL NOT NULL,
    start_time REAL NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (book_id, chapter_id, idx)
);
CREATE TABLE IF NOT EXISTS assembled (
    book_id TEXT NOT NULL,
    chapter_id TEXT NOT NULL,
    format TEXT NOT NULL,
    audio BLOB NOT NULL,
    duration REAL NOT NULL,
    title TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (book_id, chapter_id)
);
CREATE INDEX IF NOT EXISTS idx_segments_chapter ON segments(book_id, chapter_id, idx);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutSegments upserts a batch of segments in one transaction.
func (s *Store) PutSegments(ctx context.Context, bookID, chapterID string, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO segments(book_id, chapter_id, idx, segment_id, audio, format, duration, start_time, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id, chapter_id, idx) DO UPDATE SET
		   segment_id=excluded.segment_id, audio=excluded.audio, format=excluded.format,
		   duration=excluded.duration, start_time=excluded.start_time, created_at=excluded.created_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := s.clock().UTC()
	for _, seg := range segments {
		if _, err := stmt.ExecContext(ctx, bookID, chapterID, seg.Index, seg.ID,
			seg.Audio, seg.Format, seg.Duration, seg.StartTime, now); err != nil {
			return fmt.Errorf("upsert segment %d: %w", seg.Index, err)
		}
	}
	return tx.Commit()
}

// GetSegments returns all segments for a chapter ordered by index.
func (s *Store) GetSegments(ctx context.Context, bookID, chapterID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT book_id, chapter_id, idx, segment_id, audio, format, duration, start_time, created_at
		 FROM segments WHERE book_id = ? AND chapter_id = ? ORDER BY idx ASC`, bookID, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var created string
		if err := rows.Scan(&seg.BookID, &seg.ChapterID, &seg.Index, &seg.ID,
			&seg.Audio, &seg.Format, &seg.Duration, &seg.StartTime, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			seg.CreatedAt = ts
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// DeleteChapterSegments removes every segment row for a chapter.
func (s *Store) DeleteChapterSegments(ctx context.Context, bookID, chapterID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM segments WHERE book_id = ? AND chapter_id = ?`, bookID, chapterID)
	return err
}

// PutAssembled upserts the assembled audio artifact for a chapter.
func (s *Store) PutAssembled(ctx context.Context, art Assembled) error {
	if art.CreatedAt.IsZero() {
		art.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assembled(book_id, chapter_id, format, audio, duration, title, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id, chapter_id) DO UPDATE SET
		   format=excluded.format, audio=excluded.audio, duration=excluded.duration,
		   title=excluded.title, created_at=excluded.created_at`,
		art.BookID, art.ChapterID, art.Format, art.Audio, art.Duration, art.Title, art.CreatedAt)
	return err
}

// GetAssembled loads the assembled artifact for a chapter.
func (s *Store) GetAssembled(ctx context.Context, bookID, chapterID string) (*Assembled, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT book_id, chapter_id, format, audio, duration, title, created_at
		 FROM assembled WHERE book_id = ? AND chapter_id = ?`, bookID, chapterID)

	var art Assembled
	var created string
	var title sql.NullString
	if err := row.Scan(&art.BookID, &art.ChapterID, &art.Format, &art.Audio,
		&art.Duration, &title, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	art.Title = title.String
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		art.CreatedAt = ts
	}
	return &art, nil
}
