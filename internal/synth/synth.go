// Package synth provides the speech synthesis capability consumed by
// the generation scheduler. Backends are opaque: mock for development
// and tests, exec for wrapping an external TTS engine.
package synth

import (
	"fmt"

	"github.com/narratolabs/narrato-core/internal/config"
)

// New builds the synthesizer selected by config.
func New(cfg config.SynthesisConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg)
	default:
		return nil, fmt.Errorf("unsupported synthesis mode %q", cfg.Mode)
	}
}
