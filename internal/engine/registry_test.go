package engine

import (
	"context"
	"errors"
	"testing"
)

type fakeEngine struct {
	model string
}

func (f *fakeEngine) TranscribeFile(ctx context.Context, path, language string) (*Result, error) {
	return &Result{Text: "file"}, nil
}

func (f *fakeEngine) TranscribeArray(ctx context.Context, samples []float32, language string, partial bool) (*Result, error) {
	return &Result{Text: "array"}, nil
}

func (f *fakeEngine) Info() Info {
	return Info{Model: f.model, Backend: "fake"}
}

type fakeDownloader struct {
	fetched []string
	err     error
}

func (d *fakeDownloader) Fetch(ctx context.Context, model string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	d.fetched = append(d.fetched, model)
	return "/tmp/" + ModelFileName(model), nil
}

func TestEnsureCachesEngine(t *testing.T) {
	built := 0
	factory := func(model string) (Engine, error) {
		built++
		return &fakeEngine{model: model}, nil
	}
	reg := NewRegistry(factory, nil, nil)

	first, err := reg.Ensure(context.Background(), "base", false)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	second, err := reg.Ensure(context.Background(), "base", false)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if first != second {
		t.Error("Expected the cached engine on second Ensure")
	}
	if built != 1 {
		t.Errorf("Expected factory called once, got %d", built)
	}
}

func TestEnsureRejectsUnsupportedModel(t *testing.T) {
	reg := NewRegistry(func(model string) (Engine, error) {
		t.Fatal("factory should not be called for unsupported models")
		return nil, nil
	}, nil, nil)

	if _, err := reg.Ensure(context.Background(), "nonsense", true); err == nil {
		t.Error("Expected error for unsupported model")
	}
}

func TestEnsureDownloadsMissingModel(t *testing.T) {
	downloader := &fakeDownloader{}
	attempts := 0
	factory := func(model string) (Engine, error) {
		attempts++
		if attempts == 1 {
			return nil, &ModelNotFoundError{Model: model, Path: "/models/" + ModelFileName(model)}
		}
		return &fakeEngine{model: model}, nil
	}
	reg := NewRegistry(factory, downloader, nil)

	eng, err := reg.Ensure(context.Background(), "small", true)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if eng.Info().Model != "small" {
		t.Errorf("Expected model small, got %s", eng.Info().Model)
	}
	if len(downloader.fetched) != 1 || downloader.fetched[0] != "small" {
		t.Errorf("Expected one fetch of small, got %v", downloader.fetched)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 factory attempts, got %d", attempts)
	}
}

func TestEnsureDoesNotDownloadWhenDisallowed(t *testing.T) {
	downloader := &fakeDownloader{}
	factory := func(model string) (Engine, error) {
		return nil, &ModelNotFoundError{Model: model, Path: "/models/" + ModelFileName(model)}
	}
	reg := NewRegistry(factory, downloader, nil)

	_, err := reg.Ensure(context.Background(), "small", false)
	if !IsModelNotFound(err) {
		t.Errorf("Expected ModelNotFoundError, got %v", err)
	}
	if len(downloader.fetched) != 0 {
		t.Errorf("Expected no fetches, got %v", downloader.fetched)
	}
}

func TestEnsurePropagatesDownloadFailure(t *testing.T) {
	downloader := &fakeDownloader{err: errors.New("network down")}
	factory := func(model string) (Engine, error) {
		return nil, &ModelNotFoundError{Model: model, Path: "/models/" + ModelFileName(model)}
	}
	reg := NewRegistry(factory, downloader, nil)

	if _, err := reg.Ensure(context.Background(), "small", true); err == nil {
		t.Error("Expected error when the download fails")
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	built := 0
	factory := func(model string) (Engine, error) {
		built++
		return &fakeEngine{model: model}, nil
	}
	reg := NewRegistry(factory, nil, nil)

	if _, err := reg.Ensure(context.Background(), "base", false); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	reg.Invalidate("base")
	if _, err := reg.Ensure(context.Background(), "base", false); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if built != 2 {
		t.Errorf("Expected 2 builds after invalidate, got %d", built)
	}
}

func TestErrorHelpers(t *testing.T) {
	notFound := &ModelNotFoundError{Model: "base", Path: "/m/ggml-base.bin"}
	wrapped := &StartupError{Model: "base", Err: notFound}
	if !IsModelNotFound(wrapped) {
		t.Error("Expected IsModelNotFound to see through wrapping")
	}
	if IsModelNotFound(errors.New("other")) {
		t.Error("Expected plain errors not to match")
	}
}
