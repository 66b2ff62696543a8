package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/audio"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/metrics"
)

// Stop error conditions. Callers map these onto HTTP 404 and 409.
var (
	ErrNotRunning = errors.New("no engine running for model")
	ErrBusy       = errors.New("engine has requests in flight")
)

// Config holds the process pool settings.
type Config struct {
	ServerBin      string
	ModelsDir      string
	SampleRate     int
	BasePort       int
	PortRange      int
	Threads        int
	StartupTimeout time.Duration
	RequestTimeout time.Duration
}

// Supervisor owns at most one whisper-server process per model. All
// lifecycle transitions are serialized under a single mutex so two
// sessions requesting the same model never race into two processes.
type Supervisor struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	processes map[string]*EngineProcess

	// spawn is replaced in tests to avoid launching real binaries.
	spawn func(proc *EngineProcess) error
}

// New creates a supervisor, filling unset config fields with defaults.
func New(config Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.BasePort <= 0 {
		config.BasePort = 9000
	}
	if config.PortRange <= 0 {
		config.PortRange = 100
	}
	if config.Threads <= 0 {
		config.Threads = 4
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 6 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		config:    config,
		logger:    logger,
		metrics:   m,
		processes: make(map[string]*EngineProcess),
	}
	s.spawn = func(proc *EngineProcess) error {
		return proc.start(config.ServerBin, config.Threads, config.StartupTimeout)
	}
	return s
}

// GetOrStart returns the running process for model, starting one if
// needed. A process whose OS process has died is discarded and
// replaced.
func (s *Supervisor) GetOrStart(model string) (*EngineProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if proc, ok := s.processes[model]; ok {
		if proc.alive() {
			return proc, nil
		}
		s.logger.Warn("Engine process died, restarting",
			slog.String("model", model),
			slog.Int("port", proc.Port))
		delete(s.processes, model)
		s.metrics.RecordEngineStopped(len(s.processes))
	}

	modelPath := filepath.Join(s.config.ModelsDir, modelFileName(model))
	if _, err := os.Stat(modelPath); err != nil {
		s.metrics.RecordEngineStartFailure()
		return nil, fmt.Errorf("model file %s not found: %w", modelPath, err)
	}

	port, err := s.allocatePortLocked()
	if err != nil {
		s.metrics.RecordEngineStartFailure()
		return nil, err
	}

	proc := &EngineProcess{
		Model:     model,
		ModelPath: modelPath,
		Port:      port,
	}
	s.logger.Info("Starting engine process",
		slog.String("model", model),
		slog.Int("port", port),
		slog.String("model_path", modelPath))

	if err := s.spawn(proc); err != nil {
		s.metrics.RecordEngineStartFailure()
		return nil, fmt.Errorf("failed to start engine for %s: %w", model, err)
	}
	proc.client = newInferenceClient(port, s.config.RequestTimeout)

	s.processes[model] = proc
	s.metrics.RecordEngineStarted(len(s.processes))
	s.logger.Info("Engine process ready",
		slog.String("model", model),
		slog.Int("port", port))
	return proc, nil
}

// allocatePortLocked scans the configured range for a free loopback
// port, skipping ports held by live processes. Falls back to an
// ephemeral port if the whole range is taken.
func (s *Supervisor) allocatePortLocked() (int, error) {
	inUse := make(map[int]bool, len(s.processes))
	for _, proc := range s.processes {
		inUse[proc.Port] = true
	}

	for port := s.config.BasePort; port < s.config.BasePort+s.config.PortRange; port++ {
		if inUse[port] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("no free port available: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

// Dispatch encodes the samples as WAV and runs inference on the
// engine serving model. The partial flag only affects bookkeeping.
func (s *Supervisor) Dispatch(ctx context.Context, model string, samples []float32, language string, partial bool) (*InferenceResult, error) {
	proc, err := s.GetOrStart(model)
	if err != nil {
		return nil, err
	}

	wav, err := audio.EncodeWAVFloat32(samples, s.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio: %w", err)
	}

	proc.beginRequest(partial)
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	result, err := proc.client.infer(ctx, wav, language)
	elapsed := time.Since(start)
	proc.endRequest(elapsed)
	s.metrics.RecordInference(elapsed.Seconds(), err)
	if err != nil {
		return nil, err
	}
	result.Text = strings.TrimSpace(result.Text)
	return result, nil
}

// DispatchFile runs inference on an audio file already on disk.
func (s *Supervisor) DispatchFile(ctx context.Context, model, path, language string) (*InferenceResult, error) {
	proc, err := s.GetOrStart(model)
	if err != nil {
		return nil, err
	}

	proc.beginRequest(false)
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	result, err := proc.client.inferFile(ctx, path, language)
	elapsed := time.Since(start)
	proc.endRequest(elapsed)
	s.metrics.RecordInference(elapsed.Seconds(), err)
	if err != nil {
		return nil, err
	}
	result.Text = strings.TrimSpace(result.Text)
	return result, nil
}

// Stop terminates the engine serving model. Returns ErrNotRunning if
// no such engine exists and ErrBusy if it has requests in flight.
func (s *Supervisor) Stop(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.processes[model]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, model)
	}
	if active := proc.activeRequests(); active > 0 {
		s.metrics.RecordEngineStopConflict()
		return fmt.Errorf("%w: %s (%d active)", ErrBusy, model, active)
	}

	delete(s.processes, model)
	proc.terminate()
	s.metrics.RecordEngineStopped(len(s.processes))
	s.logger.Info("Engine process stopped",
		slog.String("model", model),
		slog.Int("port", proc.Port))
	return nil
}

// ListRunning returns stats for every live process, sorted by model.
func (s *Supervisor) ListRunning() []ProcessStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]ProcessStats, 0, len(s.processes))
	for _, proc := range s.processes {
		stats = append(stats, proc.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Model < stats[j].Model })
	return stats
}

// Shutdown terminates every engine process regardless of in-flight
// requests. Used on server exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]*EngineProcess, 0, len(s.processes))
	for _, proc := range s.processes {
		procs = append(procs, proc)
	}
	s.processes = make(map[string]*EngineProcess)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(p *EngineProcess) {
			defer wg.Done()
			p.terminate()
		}(proc)
	}
	wg.Wait()

	if len(procs) > 0 {
		s.logger.Info("All engine processes stopped", slog.Int("count", len(procs)))
	}
}

// modelFileName maps a model name onto the ggml file naming scheme.
func modelFileName(model string) string {
	return "ggml-" + model + ".bin"
}
