package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/engine"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/protocol"
)

// fakeEngine returns canned text and records how it was called.
type fakeEngine struct {
	model string

	mu    sync.Mutex
	text  string
	calls int
}

func (f *fakeEngine) TranscribeFile(ctx context.Context, path, language string) (*engine.Result, error) {
	return &engine.Result{Text: f.currentText()}, nil
}

func (f *fakeEngine) TranscribeArray(ctx context.Context, samples []float32, language string, partial bool) (*engine.Result, error) {
	f.mu.Lock()
	f.calls++
	text := f.text
	f.mu.Unlock()
	return &engine.Result{Text: text}, nil
}

func (f *fakeEngine) Info() engine.Info {
	return engine.Info{Model: f.model, Backend: "fake"}
}

func (f *fakeEngine) currentText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

func fakeRegistry(text string) *engine.Registry {
	return engine.NewRegistry(func(model string) (engine.Engine, error) {
		return &fakeEngine{model: model, text: text}, nil
	}, nil, nil)
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ID:              "test-session",
		Model:           "base",
		SampleRate:      16000,
		MinSeconds:      0.5,
		MaxSeconds:      10,
		PartialInterval: 100 * time.Millisecond,
		IdleFlush:       10 * time.Second,
		VoiceFactor:     0.2,
		DefaultModel:    "base",
	}
}

// encodeSamples packs float32 samples as the little-endian binary
// frames clients send.
func encodeSamples(samples []float32) []byte {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return data
}

func loudChunk(n int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.5
	}
	return encodeSamples(samples)
}

// waitForFrame drains the outbound channel until match returns true or
// the timeout expires.
func waitForFrame(t *testing.T, s *Session, timeout time.Duration, match func(interface{}) bool) interface{} {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-s.Outbound():
			if !ok {
				t.Fatal("Outbound channel closed while waiting for frame")
			}
			if match(frame) {
				return frame
			}
		case <-deadline:
			t.Fatal("Timed out waiting for frame")
		}
	}
}

// waitForEpoch polls until the session's segmenter epoch reaches want.
func waitForEpoch(t *testing.T, s *Session, want uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Info().Epoch >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for epoch %d, at %d", want, s.Info().Epoch)
}

func TestSessionBecomesReady(t *testing.T) {
	session, err := NewSession(testSessionConfig(), fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	frame := waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded base"
	})
	if frame == nil {
		t.Fatal("Expected model loaded status")
	}
}

func TestSessionEmitsFinalOnSilence(t *testing.T) {
	session, err := NewSession(testSessionConfig(), fakeRegistry("hello world"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded base"
	})

	// One second of loud audio in 100ms chunks, then a silence hint.
	for i := 0; i < 10; i++ {
		if err := session.PushAudio(loudChunk(1600)); err != nil {
			t.Fatalf("Expected push to succeed, got %v", err)
		}
	}
	if err := session.Control(&protocol.ControlFrame{Type: protocol.TypeSilence}); err != nil {
		t.Fatalf("Expected control to succeed, got %v", err)
	}

	frame := waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		_, ok := f.(*protocol.FinalFrame)
		return ok
	})
	final := frame.(*protocol.FinalFrame)
	if final.Final != "hello world" {
		t.Errorf("Expected final 'hello world', got %q", final.Final)
	}
	if len(final.History) != 1 || final.History[0] != "hello world" {
		t.Errorf("Expected history with one entry, got %v", final.History)
	}
	if final.Stats == nil || final.Stats.Epoch == 0 {
		t.Error("Expected stats with advanced epoch on final frame")
	}
}

func TestSessionSuppressesHallucinatedFinal(t *testing.T) {
	session, err := NewSession(testSessionConfig(), fakeRegistry("[BLANK_AUDIO]"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded base"
	})

	for i := 0; i < 10; i++ {
		session.PushAudio(loudChunk(1600))
	}
	session.Control(&protocol.ControlFrame{Type: protocol.TypeSilence})

	timeout := time.After(500 * time.Millisecond)
	for {
		select {
		case frame, ok := <-session.Outbound():
			if !ok {
				return
			}
			if _, isFinal := frame.(*protocol.FinalFrame); isFinal {
				t.Fatalf("Expected hallucinated final to be suppressed, got %+v", frame)
			}
		case <-timeout:
			return
		}
	}
}

func TestSessionModelSwitch(t *testing.T) {
	session, err := NewSession(testSessionConfig(), fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded base"
	})

	epochBefore := session.Info().Epoch
	if err := session.Control(&protocol.ControlFrame{Type: protocol.TypeSelectModel, Model: "small"}); err != nil {
		t.Fatalf("Expected control to succeed, got %v", err)
	}

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded small"
	})

	info := session.Info()
	if info.Model != "small" {
		t.Errorf("Expected model small, got %s", info.Model)
	}
	if info.Epoch <= epochBefore {
		t.Errorf("Expected epoch to advance on model switch, got %d -> %d", epochBefore, info.Epoch)
	}
}

func TestSessionRejectsUnsupportedModel(t *testing.T) {
	session, err := NewSession(testSessionConfig(), fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	session.Control(&protocol.ControlFrame{Type: protocol.TypeSelectModel, Model: "bogus"})

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		_, ok := f.(*protocol.ErrorFrame)
		return ok
	})

	if info := session.Info(); info.Model != "base" {
		t.Errorf("Expected model to stay base, got %s", info.Model)
	}
}

func TestSessionRequestModels(t *testing.T) {
	cfg := testSessionConfig()
	cfg.ModelsDir = t.TempDir()
	session, err := NewSession(cfg, fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	session.Control(&protocol.ControlFrame{Type: protocol.TypeRequestModels})

	frame := waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		_, ok := f.(*protocol.ModelsFrame)
		return ok
	})
	models := frame.(*protocol.ModelsFrame)
	if models.Current != "base" || models.Default != "base" {
		t.Errorf("Expected current and default base, got %s / %s", models.Current, models.Default)
	}
	if len(models.Supported) == 0 {
		t.Error("Expected supported models to be listed")
	}
	if len(models.Installed) != 0 {
		t.Errorf("Expected no installed models in empty dir, got %v", models.Installed)
	}
}

func TestSessionCloseShutsOutbound(t *testing.T) {
	session, err := NewSession(testSessionConfig(), fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	session.Close()
	session.Close() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-session.Outbound():
			if !ok {
				if err := session.PushAudio(loudChunk(16)); err == nil {
					t.Error("Expected push to fail after close")
				}
				return
			}
		case <-deadline:
			t.Fatal("Expected outbound channel to close")
		}
	}
}

func TestSessionRejectsMalformedAudio(t *testing.T) {
	session, err := NewSession(testSessionConfig(), fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	if err := session.PushAudio([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for frame not divisible by 4")
	}
}

func TestSessionClampsConnectionOverrides(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MinSeconds = 20 // above the 10s segment ceiling
	cfg.PartialInterval = time.Millisecond

	session, err := NewSession(cfg, fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected overrides to clamp, got %v", err)
	}
	defer session.Close()

	if session.cfg.MinSeconds != 5 {
		t.Errorf("Expected min seconds clamped to 5, got %f", session.cfg.MinSeconds)
	}
	if session.cfg.PartialInterval != 100*time.Millisecond {
		t.Errorf("Expected partial interval clamped to 100ms, got %s", session.cfg.PartialInterval)
	}
}

func TestSessionHoldsSegmentsDuringWarmUp(t *testing.T) {
	release := make(chan struct{})
	registry := engine.NewRegistry(func(model string) (engine.Engine, error) {
		<-release
		return &fakeEngine{model: model, text: "early speech"}, nil
	}, nil, nil)

	session, err := NewSession(testSessionConfig(), registry, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	// A full utterance arrives and is finalized while the engine is
	// still loading.
	for i := 0; i < 10; i++ {
		if err := session.PushAudio(loudChunk(1600)); err != nil {
			t.Fatalf("Expected push to succeed, got %v", err)
		}
	}
	if err := session.Control(&protocol.ControlFrame{Type: protocol.TypeSilence}); err != nil {
		t.Fatalf("Expected control to succeed, got %v", err)
	}
	waitForEpoch(t, session, 1, 2*time.Second)

	// Engine finishes loading only now; the held segment must still be
	// transcribed.
	close(release)

	frame := waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		_, ok := f.(*protocol.FinalFrame)
		return ok
	})
	final := frame.(*protocol.FinalFrame)
	if final.Final != "early speech" {
		t.Errorf("Expected 'early speech', got %q", final.Final)
	}
	if len(final.History) != 1 {
		t.Errorf("Expected history with one entry, got %v", final.History)
	}
}

// gatedPartialEngine blocks partial requests until released; finals
// return immediately.
type gatedPartialEngine struct {
	model   string
	started chan struct{}
	release chan struct{}
}

func (g *gatedPartialEngine) TranscribeFile(ctx context.Context, path, language string) (*engine.Result, error) {
	return &engine.Result{Text: "final text"}, nil
}

func (g *gatedPartialEngine) TranscribeArray(ctx context.Context, samples []float32, language string, partial bool) (*engine.Result, error) {
	if !partial {
		return &engine.Result{Text: "final text"}, nil
	}
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return &engine.Result{Text: "stale partial"}, nil
}

func (g *gatedPartialEngine) Info() engine.Info {
	return engine.Info{Model: g.model, Backend: "gated"}
}

func TestSessionDiscardsPartialAcrossEpochAdvance(t *testing.T) {
	gated := &gatedPartialEngine{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	registry := engine.NewRegistry(func(model string) (engine.Engine, error) {
		gated.model = model
		return gated, nil
	}, nil, nil)

	session, err := NewSession(testSessionConfig(), registry, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded base"
	})

	for i := 0; i < 10; i++ {
		session.PushAudio(loudChunk(1600))
	}

	// Wait until a partial inference is in flight, then close the
	// segment underneath it.
	select {
	case <-gated.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a partial attempt")
	}
	session.Control(&protocol.ControlFrame{Type: protocol.TypeSilence})
	waitForEpoch(t, session, 1, 2*time.Second)

	close(gated.release)

	sawFinal := false
	timeout := time.After(700 * time.Millisecond)
	for done := false; !done; {
		select {
		case frame, ok := <-session.Outbound():
			if !ok {
				done = true
				continue
			}
			if p, isPartial := frame.(*protocol.PartialFrame); isPartial {
				t.Fatalf("Expected stale partial to be discarded, got %q", p.Text)
			}
			if _, isFinal := frame.(*protocol.FinalFrame); isFinal {
				sawFinal = true
			}
		case <-timeout:
			done = true
		}
	}
	if !sawFinal {
		t.Error("Expected the final for the closed segment")
	}
}

// flakyPartialEngine fails the first partial request and succeeds
// afterwards.
type flakyPartialEngine struct {
	model string

	mu       sync.Mutex
	attempts int
}

func (f *flakyPartialEngine) TranscribeFile(ctx context.Context, path, language string) (*engine.Result, error) {
	return &engine.Result{Text: "final text"}, nil
}

func (f *flakyPartialEngine) TranscribeArray(ctx context.Context, samples []float32, language string, partial bool) (*engine.Result, error) {
	if !partial {
		return &engine.Result{Text: "final text"}, nil
	}
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()
	if attempt == 1 {
		return nil, errors.New("backend hiccup")
	}
	return &engine.Result{Text: "partial text"}, nil
}

func (f *flakyPartialEngine) Info() engine.Info {
	return engine.Info{Model: f.model, Backend: "flaky"}
}

func TestSessionRetriesPartialAfterFailure(t *testing.T) {
	flaky := &flakyPartialEngine{}
	registry := engine.NewRegistry(func(model string) (engine.Engine, error) {
		flaky.model = model
		return flaky, nil
	}, nil, nil)

	session, err := NewSession(testSessionConfig(), registry, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded base"
	})

	// One second of audio, then nothing: the buffer never grows again,
	// so the retry after the failed attempt must not be suppressed.
	for i := 0; i < 10; i++ {
		session.PushAudio(loudChunk(1600))
	}

	frame := waitForFrame(t, session, 3*time.Second, func(f interface{}) bool {
		_, ok := f.(*protocol.PartialFrame)
		return ok
	})
	partial := frame.(*protocol.PartialFrame)
	if partial.Text != "partial text" {
		t.Errorf("Expected 'partial text', got %q", partial.Text)
	}
}

func TestControlFramesResetIdleWindow(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleFlush = 500 * time.Millisecond

	session, err := NewSession(cfg, fakeRegistry("hello"), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer session.Close()

	waitForFrame(t, session, 2*time.Second, func(f interface{}) bool {
		status, ok := f.(*protocol.StatusFrame)
		return ok && status.Status == "model loaded base"
	})

	// 0.2s of audio, below the silence minimum, then a steady stream
	// of control frames. The idle flush must keep being deferred.
	session.PushAudio(loudChunk(3200))
	for i := 0; i < 6; i++ {
		time.Sleep(100 * time.Millisecond)
		session.Control(&protocol.ControlFrame{Type: protocol.TypeRequestModels})
	}
	if epoch := session.Info().Epoch; epoch != 0 {
		t.Fatalf("Expected control frames to defer the idle flush, epoch %d", epoch)
	}

	// Once the client goes fully quiet the flush fires.
	waitForEpoch(t, session, 1, 2*time.Second)
}
