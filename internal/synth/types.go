package synth

import "context"

// Request contains parameters to synthesize one text segment.
type Request struct {
	Text  string
	Voice string
}

// Synthesizer is the contract for producing narration audio. The
// returned bytes are a complete WAV container. Implementations may be
// slow and may be invoked with bounded concurrency by the scheduler.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
