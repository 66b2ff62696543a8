package engine

import (
	"context"
	"os"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/supervisor"
)

// ServerEngine adapts a supervised whisper-server process to the
// Engine interface.
type ServerEngine struct {
	model string
	sup   *supervisor.Supervisor
}

// ServerFactory builds engines backed by the supervisor's process
// pool. The factory checks the model file up front so a missing model
// surfaces as ModelNotFoundError before any process is started.
func ServerFactory(sup *supervisor.Supervisor, modelsDir string) Factory {
	return func(model string) (Engine, error) {
		path := ModelPath(modelsDir, model)
		if _, err := os.Stat(path); err != nil {
			return nil, &ModelNotFoundError{Model: model, Path: path}
		}
		eng := &ServerEngine{model: model, sup: sup}
		// Start (or reuse) the process now so load errors surface at
		// Ensure time instead of on the first utterance.
		if _, err := sup.GetOrStart(model); err != nil {
			return nil, &StartupError{Model: model, Err: err}
		}
		return eng, nil
	}
}

// TranscribeFile runs inference on an audio file on disk.
func (e *ServerEngine) TranscribeFile(ctx context.Context, path, language string) (*Result, error) {
	res, err := e.sup.DispatchFile(ctx, e.model, path, language)
	if err != nil {
		return nil, &TranscriptionError{Model: e.model, Err: err}
	}
	return convertResult(res), nil
}

// TranscribeArray runs inference on raw float32 PCM samples.
func (e *ServerEngine) TranscribeArray(ctx context.Context, samples []float32, language string, partial bool) (*Result, error) {
	res, err := e.sup.Dispatch(ctx, e.model, samples, language, partial)
	if err != nil {
		return nil, &TranscriptionError{Model: e.model, Err: err}
	}
	return convertResult(res), nil
}

// Info describes the engine.
func (e *ServerEngine) Info() Info {
	return Info{Model: e.model, Backend: "whisper-server"}
}

func convertResult(res *supervisor.InferenceResult) *Result {
	out := &Result{Text: res.Text, Language: res.Language}
	for _, seg := range res.Segments {
		out.Segments = append(out.Segments, Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
	}
	return out
}
