package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Factory builds an engine bound to one model.
type Factory func(model string) (Engine, error)

// Registry caches one engine per model and coordinates on-demand model
// downloads. Ensure is safe across sessions; each model loads once.
type Registry struct {
	factory    Factory
	downloader Downloader
	logger     *slog.Logger

	mu      sync.Mutex
	engines map[string]Engine
}

// NewRegistry creates a registry. The downloader may be nil, in which
// case missing models are reported instead of fetched.
func NewRegistry(factory Factory, downloader Downloader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:    factory,
		downloader: downloader,
		logger:     logger,
		engines:    make(map[string]Engine),
	}
}

// Ensure returns the engine for model, building it on first use. When
// the model file is missing and download is true, the model is fetched
// and the build retried once.
func (r *Registry) Ensure(ctx context.Context, model string, download bool) (Engine, error) {
	if !IsSupported(model) {
		return nil, fmt.Errorf("unsupported model %q", model)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if eng, ok := r.engines[model]; ok {
		return eng, nil
	}

	eng, err := r.factory(model)
	if err != nil {
		if !IsModelNotFound(err) || !download || r.downloader == nil {
			return nil, err
		}
		r.logger.Info("Model missing, fetching", slog.String("model", model))
		if _, ferr := r.downloader.Fetch(ctx, model); ferr != nil {
			return nil, fmt.Errorf("failed to fetch model %s: %w", model, ferr)
		}
		eng, err = r.factory(model)
		if err != nil {
			return nil, err
		}
	}

	r.engines[model] = eng
	r.logger.Info("Engine loaded",
		slog.String("model", model),
		slog.String("backend", eng.Info().Backend))
	return eng, nil
}

// Invalidate drops the cached engine for model so the next Ensure
// rebuilds it. Called after the backing process is stopped.
func (r *Registry) Invalidate(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, model)
}

// Models returns the model names with loaded engines.
func (r *Registry) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	models := make([]string, 0, len(r.engines))
	for model := range r.engines {
		models = append(models, model)
	}
	return models
}

// DefaultModel resolves the default model from the environment,
// falling back to large-v3.
func DefaultModel() string {
	if model := os.Getenv("WHISPER_MODEL_SIZE"); model != "" {
		return model
	}
	return "large-v3"
}
