package engine

import "context"

// Engine is a loaded speech-to-text backend bound to one model.
type Engine interface {
	// TranscribeFile runs inference on an audio file on disk.
	TranscribeFile(ctx context.Context, path, language string) (*Result, error)

	// TranscribeArray runs inference on raw PCM samples. The partial
	// flag marks speculative requests on a still-open buffer.
	TranscribeArray(ctx context.Context, samples []float32, language string, partial bool) (*Result, error)

	// Info describes the engine.
	Info() Info
}

// Result is a transcription outcome.
type Result struct {
	Text     string
	Language string
	Segments []Segment
}

// Segment is one timed span of a transcription.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Info identifies an engine instance.
type Info struct {
	Model   string `json:"model"`
	Backend string `json:"backend"`
}
