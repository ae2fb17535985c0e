package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/narratolabs/narrato-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDisabledHandleReturnsErrDisabled(t *testing.T) {
	h := NewHandle(config.TranscoderConfig{Enabled: false}, testLogger())
	if h.Enabled() {
		t.Fatal("expected disabled handle")
	}
	_, err := h.Encode(context.Background(), []byte{0}, Params{Format: "mp3"})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestMissingModuleFailsLazily(t *testing.T) {
	cfg := config.TranscoderConfig{
		Enabled:    true,
		ModulePath: filepath.Join(t.TempDir(), "missing.wasm"),
	}
	h := NewHandle(cfg, testLogger())
	t.Cleanup(func() { h.Close(context.Background()) })

	// Construction must not touch the module path.
	if !h.Enabled() {
		t.Fatal("expected enabled handle")
	}

	_, err := h.Encode(context.Background(), []byte{0}, Params{Format: "mp3"})
	if err == nil {
		t.Fatal("expected error for missing module file")
	}

	// The failed call must not poison subsequent ones with stale state;
	// a second attempt reports the same clean error.
	_, err2 := h.Concat(context.Background(), [][]byte{{0}}, Params{Format: "m4b"})
	if err2 == nil {
		t.Fatal("expected error on retry with missing module")
	}
}
