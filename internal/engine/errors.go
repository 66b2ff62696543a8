package engine

import (
	"errors"
	"fmt"
)

// ErrEngineUnavailable indicates no engine is loaded for the session's
// model yet.
var ErrEngineUnavailable = errors.New("engine not available")

// ModelNotFoundError indicates the model file is not on disk. A
// registry with a downloader treats it as a trigger to fetch.
type ModelNotFoundError struct {
	Model string
	Path  string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %s not found at %s", e.Model, e.Path)
}

// IsModelNotFound reports whether err wraps a ModelNotFoundError.
func IsModelNotFound(err error) bool {
	var target *ModelNotFoundError
	return errors.As(err, &target)
}

// StartupError indicates an engine process failed to come up.
type StartupError struct {
	Model string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("engine startup failed for %s: %v", e.Model, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// TranscriptionError wraps a failed inference call.
type TranscriptionError struct {
	Model string
	Err   error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed on %s: %v", e.Model, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }
