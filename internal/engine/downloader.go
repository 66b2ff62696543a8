package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// DefaultDownloadBaseURL is the upstream hosting the ggml model files.
const DefaultDownloadBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Downloader fetches a model file and returns its local path.
type Downloader interface {
	Fetch(ctx context.Context, model string) (string, error)
}

// HTTPDownloader downloads ggml model files over HTTP into ModelsDir.
type HTTPDownloader struct {
	BaseURL   string
	ModelsDir string
	Client    *http.Client
	Logger    *slog.Logger
}

// NewHTTPDownloader creates a downloader with sensible defaults. Model
// downloads run for minutes on slow links, so the client carries no
// timeout; cancellation comes from the context.
func NewHTTPDownloader(baseURL, modelsDir string, logger *slog.Logger) *HTTPDownloader {
	if baseURL == "" {
		baseURL = DefaultDownloadBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDownloader{
		BaseURL:   baseURL,
		ModelsDir: modelsDir,
		Client:    &http.Client{},
		Logger:    logger,
	}
}

// Fetch downloads the model if not already installed. The file is
// written to a temp path and renamed so a partial download never
// masquerades as an installed model.
func (d *HTTPDownloader) Fetch(ctx context.Context, model string) (string, error) {
	if !IsSupported(model) {
		return "", fmt.Errorf("unsupported model %q", model)
	}

	target := ModelPath(d.ModelsDir, model)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	if err := os.MkdirAll(d.ModelsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create models dir: %w", err)
	}

	url := fmt.Sprintf("%s/%s", d.BaseURL, ModelFileName(model))
	d.Logger.Info("Downloading model",
		slog.String("model", model),
		slog.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("model download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model download returned %d for %s", resp.StatusCode, url)
	}

	tmp, err := os.CreateTemp(d.ModelsDir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("model download interrupted after %d bytes: %w", written, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize download: %w", closeErr)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to install model file: %w", err)
	}

	d.Logger.Info("Model downloaded",
		slog.String("model", model),
		slog.Int64("bytes", written),
		slog.String("path", target))
	return target, nil
}
