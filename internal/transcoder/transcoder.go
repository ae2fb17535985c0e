// Package transcoder hosts the WASM encode/concat capability used for
// compressed and chaptered output formats. The module is compiled and
// instantiated lazily on first use; an instance that reports an abort
// is discarded and recreated on the next call rather than reused from a
// state presumed inconsistent.
package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/narratolabs/narrato-core/internal/config"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// ErrDisabled is returned when no transcoder module is configured.
var ErrDisabled = errors.New("transcoder disabled")

// Marker is an embedded chapter mark for chaptered output formats.
type Marker struct {
	Title   string `json:"title"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Params describes one encode or concat invocation.
type Params struct {
	Format        string   `json:"format"`
	Bitrate       int      `json:"bitrate_kbps"`
	SampleRate    int      `json:"sample_rate,omitempty"`
	Channels      int      `json:"channels,omitempty"`
	BitsPerSample int      `json:"bits_per_sample,omitempty"`
	Title         string   `json:"title,omitempty"`
	Author        string   `json:"author,omitempty"`
	Chapters      []Marker `json:"chapters,omitempty"`
}

type guestInput struct {
	Ptr uint32 `json:"ptr"`
	Len uint32 `json:"len"`
}

type guestRequest struct {
	Params
	Inputs []guestInput `json:"inputs"`
}

// Handle owns the lazily constructed transcoder instance. Callers hold
// a single Handle for the process lifetime; the internal mutex keeps
// invocations serialized since guest memory is shared state.
type Handle struct {
	cfg config.TranscoderConfig
	log *slog.Logger

	mu  sync.Mutex
	rt  wazero.Runtime
	mod api.Module
}

// NewHandle creates an uninitialized handle; the module is not touched
// until the first Encode or Concat call.
func NewHandle(cfg config.TranscoderConfig, log *slog.Logger) *Handle {
	return &Handle{
		cfg: cfg,
		log: log.With(slog.String("component", "transcoder")),
	}
}

// Enabled reports whether a module is configured.
func (h *Handle) Enabled() bool {
	return h != nil && h.cfg.Enabled
}

// Encode compresses one uncompressed PCM buffer into the requested
// output container.
func (h *Handle) Encode(ctx context.Context, pcm []byte, p Params) ([]byte, error) {
	return h.invoke(ctx, "ttx_encode", [][]byte{pcm}, p)
}

// Concat demuxes and joins multiple complete containers into one output
// in input order.
func (h *Handle) Concat(ctx context.Context, inputs [][]byte, p Params) ([]byte, error) {
	return h.invoke(ctx, "ttx_concat", inputs, p)
}

// Close releases the current instance, if any.
func (h *Handle) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardown(ctx)
}

func (h *Handle) invoke(ctx context.Context, entry string, inputs [][]byte, p Params) ([]byte, error) {
	if !h.Enabled() {
		return nil, ErrDisabled
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensure(ctx); err != nil {
		return nil, err
	}

	out, err := h.call(ctx, entry, inputs, p)
	if err != nil {
		// A failed invocation leaves guest state unknown; discard the
		// instance so the next call starts fresh.
		h.log.Warn("transcoder invocation failed, discarding instance",
			slog.String("entry", entry),
			slog.String("error", err.Error()))
		h.teardown(ctx)
		return nil, err
	}
	return out, nil
}

func (h *Handle) ensure(ctx context.Context) error {
	if h.mod != nil {
		return nil
	}

	wasmBytes, err := os.ReadFile(h.cfg.ModulePath)
	if err != nil {
		return fmt.Errorf("read transcoder module: %w", err)
	}

	rtCfg := wazero.NewRuntimeConfig()
	if h.cfg.MemoryMax > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(uint32(h.cfg.MemoryMax))
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	if err := h.instantiateHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return fmt.Errorf("compile transcoder module: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("transcoder"))
	if err != nil {
		rt.Close(ctx)
		return fmt.Errorf("instantiate transcoder module: %w", err)
	}

	for _, name := range []string{"ttx_alloc", "ttx_encode", "ttx_concat", "ttx_result_ptr", "ttx_result_len"} {
		if mod.ExportedFunction(name) == nil {
			mod.Close(ctx)
			rt.Close(ctx)
			return fmt.Errorf("transcoder module missing export %q", name)
		}
	}

	h.rt = rt
	h.mod = mod
	h.log.Info("transcoder module loaded", slog.String("path", h.cfg.ModulePath))
	return nil
}

func (h *Handle) teardown(ctx context.Context) {
	if h.mod != nil {
		_ = h.mod.Close(ctx)
		h.mod = nil
	}
	if h.rt != nil {
		_ = h.rt.Close(ctx)
		h.rt = nil
	}
}

func (h *Handle) call(ctx context.Context, entry string, inputs [][]byte, p Params) ([]byte, error) {
	mod := h.mod
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.New("transcoder module has no memory")
	}

	alloc := mod.ExportedFunction("ttx_alloc")

	req := guestRequest{Params: p, Inputs: make([]guestInput, 0, len(inputs))}
	for _, input := range inputs {
		ptr, err := h.writeGuest(ctx, alloc, mem, input)
		if err != nil {
			return nil, err
		}
		req.Inputs = append(req.Inputs, guestInput{Ptr: ptr, Len: uint32(len(input))})
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal transcoder request: %w", err)
	}
	paramsPtr, err := h.writeGuest(ctx, alloc, mem, payload)
	if err != nil {
		return nil, err
	}

	results, err := mod.ExportedFunction(entry).Call(ctx, uint64(paramsPtr), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", entry, err)
	}
	if len(results) > 0 {
		if code := api.DecodeI32(results[0]); code != 0 {
			return nil, fmt.Errorf("%s reported error code %d", entry, code)
		}
	}

	ptrRes, err := mod.ExportedFunction("ttx_result_ptr").Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("read result pointer: %w", err)
	}
	lenRes, err := mod.ExportedFunction("ttx_result_len").Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("read result length: %w", err)
	}

	resultPtr := api.DecodeU32(ptrRes[0])
	resultLen := api.DecodeU32(lenRes[0])
	if resultLen == 0 {
		return nil, fmt.Errorf("%s produced empty output", entry)
	}
	data, ok := mem.Read(resultPtr, resultLen)
	if !ok {
		return nil, fmt.Errorf("result out of memory bounds (ptr=%d len=%d)", resultPtr, resultLen)
	}
	return append([]byte(nil), data...), nil
}

func (h *Handle) writeGuest(ctx context.Context, alloc api.Function, mem api.Memory, data []byte) (uint32, error) {
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := api.DecodeU32(results[0])
	if len(data) > 0 && !mem.Write(ptr, data) {
		return 0, fmt.Errorf("guest write out of bounds (ptr=%d len=%d)", ptr, len(data))
	}
	return ptr, nil
}

func (h *Handle) instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	logger := h.log
	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory",
				slog.Int("ptr", int(ptr)), slog.Int("len", int(length)))
			return
		}
		logger.Info("transcoder log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	_, err := builder.Instantiate(ctx)
	return err
}
