package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/audio"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/config"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/engine"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/metrics"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/stream"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/supervisor"
)

// HTTPServer exposes the streaming endpoint and the REST management
// surface.
type HTTPServer struct {
	config     *config.Config
	manager    *stream.Manager
	registry   *engine.Registry
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
	metrics    *metrics.Metrics
	server     *http.Server
	startTime  time.Time
}

// NewHTTPServer creates the HTTP server with all routes registered.
func NewHTTPServer(cfg *config.Config, manager *stream.Manager, registry *engine.Registry, sup *supervisor.Supervisor, logger *slog.Logger, m *metrics.Metrics) *HTTPServer {
	s := &HTTPServer{
		config:     cfg,
		manager:    manager,
		registry:   registry,
		supervisor: sup,
		logger:     logger,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.withMetrics("index", s.handleIndex))
	mux.HandleFunc("/health", s.withMetrics("health", s.handleHealth))
	mux.HandleFunc("/models", s.withMetrics("models", s.handleModels))
	mux.HandleFunc("/servers", s.withMetrics("servers", s.handleServers))
	mux.HandleFunc("/servers/", s.withMetrics("servers_stop", s.handleServerStop))
	mux.HandleFunc("/transcribe", s.withMetrics("transcribe", s.handleTranscribe))
	mux.HandleFunc("/sessions", s.withMetrics("sessions", s.handleSessions))
	mux.HandleFunc("/stats", s.withMetrics("stats", s.handleStats))
	mux.HandleFunc("/config", s.withMetrics("config", s.handleConfig))
	mux.HandleFunc("/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
}

// responseWriter captures the status code for request metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// withMetrics wraps a handler with request counting and latency
// tracking.
func (s *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(rw, r)

		status := strconv.Itoa(rw.statusCode)
		s.metrics.RecordHTTPRequest(r.Method, endpoint, status, time.Since(start).Seconds())
		if rw.statusCode >= 400 {
			s.metrics.RecordHTTPError(r.Method, endpoint, status)
		}
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}

func (s *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "whisper-live-stream-server",
		"endpoints": []string{
			"/stream", "/health", "/models", "/servers",
			"/transcribe", "/sessions", "/stats", "/config", "/metrics",
		},
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"active_sessions": s.manager.Count(),
		"engines_running": len(s.supervisor.ListRunning()),
	})
}

func (s *HTTPServer) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"supported": engine.Supported,
		"installed": engine.InstalledModels(s.config.Engine.ModelsDir),
		"default":   s.config.Engine.DefaultModel,
	})
}

func (s *HTTPServer) handleServers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": s.supervisor.ListRunning(),
	})
}

// handleServerStop serves /servers/{model}/stop. A busy engine yields
// 409; an unknown one 404.
func (s *HTTPServer) handleServerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/servers/")
	model, ok := strings.CutSuffix(rest, "/stop")
	if !ok || model == "" || strings.Contains(model, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	err := s.supervisor.Stop(model)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrBusy):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.registry.Invalidate(model)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"stopped": model,
		})
	}
}

// handleTranscribe serves one-shot file transcription: a multipart
// upload transcribed synchronously on the requested model.
func (s *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	model := r.FormValue("model")
	if model == "" {
		model = s.config.Engine.DefaultModel
	}
	if !engine.IsSupported(model) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported model %q", model))
		return
	}
	language := r.FormValue("language")

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	eng, err := s.registry.Ensure(r.Context(), model, false)
	if err != nil {
		if engine.IsModelNotFound(err) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var result *engine.Result
	var duration float64

	if isWAVUpload(header.Filename, data) {
		if err := audio.ValidateWAV(data); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid WAV upload: "+err.Error())
			return
		}
		duration, _ = audio.GetWAVDuration(data)

		// Uploads already at the pipeline sample rate skip the temp
		// file and go straight to the engine as samples.
		if samples, rate, err := audio.DecodeWAV(data); err == nil && rate == s.config.Audio.SampleRate {
			result, err = eng.TranscribeArray(r.Context(), audio.PCM16ToFloat32(samples), language, false)
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}

	if result == nil {
		tmp, err := os.CreateTemp("", "transcribe-*"+filepath.Ext(header.Filename))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to stage upload")
			return
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath)

		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			s.writeError(w, http.StatusInternalServerError, "failed to stage upload")
			return
		}
		tmp.Close()

		result, err = eng.TranscribeFile(r.Context(), tmpPath, language)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	response := map[string]interface{}{
		"model":    model,
		"text":     result.Text,
		"language": result.Language,
		"segments": result.Segments,
	}
	if duration > 0 {
		response["duration_seconds"] = duration
	}
	s.writeJSON(w, http.StatusOK, response)
}

// isWAVUpload recognizes WAV payloads by extension or RIFF magic.
func isWAVUpload(filename string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(filename), ".wav") {
		return true
	}
	return len(data) >= 4 && string(data[:4]) == "RIFF"
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.manager.Sessions(),
		"count":    s.manager.Count(),
	})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"active_sessions": s.manager.Count(),
		"sessions":        s.manager.Sessions(),
		"engines":         s.supervisor.ListRunning(),
	})
}

func (s *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sample_rate":      s.config.Audio.SampleRate,
		"min_seconds":      s.config.Audio.MinSeconds,
		"max_seconds":      s.config.Audio.MaxSeconds,
		"partial_interval": s.config.Session.PartialInterval,
		"voice_factor":     s.config.VAD.VoiceFactor,
		"default_model":    s.config.Engine.DefaultModel,
		"models_dir":       s.config.Engine.ModelsDir,
	})
}

// Start begins serving. Blocks until the listener fails or Stop is
// called.
func (s *HTTPServer) Start() error {
	s.logger.Info("HTTP server listening", slog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
