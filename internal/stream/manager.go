package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/engine"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/metrics"
)

const cleanupInterval = 30 * time.Second

// ManagerConfig holds the defaults new sessions inherit.
type ManagerConfig struct {
	SampleRate           int
	MinSeconds           float64
	MaxSeconds           float64
	PartialInterval      time.Duration
	IdleFlush            time.Duration
	VoiceFactor          float64
	VADHistorySize       int
	VADNoiseFloor        float64
	AllowNonLatin        bool
	HallucinationPhrases []string
	ModelsDir            string
	DefaultModel         string
	StreamTimeout        time.Duration
}

// SessionOptions are the per-connection overrides a client may request
// when opening a stream.
type SessionOptions struct {
	Model           string
	Language        string
	MinSeconds      float64
	PartialInterval time.Duration
	VoiceFactor     float64
}

// Manager owns the live sessions and expires the ones whose clients
// went quiet.
type Manager struct {
	config   ManagerConfig
	registry *engine.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a session manager and starts its expiry loop.
func NewManager(config ManagerConfig, registry *engine.Registry, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 5 * time.Minute
	}

	mgr := &Manager{
		config:      config,
		registry:    registry,
		logger:      logger,
		metrics:     m,
		sessions:    make(map[string]*Session),
		stopCleanup: make(chan struct{}),
	}
	go mgr.cleanupRoutine()
	return mgr
}

// CreateSession opens a new session with the manager defaults, applying
// any client overrides.
func (m *Manager) CreateSession(opts SessionOptions) (*Session, error) {
	cfg := SessionConfig{
		ID:                   uuid.NewString(),
		Model:                opts.Model,
		Language:             opts.Language,
		SampleRate:           m.config.SampleRate,
		MinSeconds:           m.config.MinSeconds,
		MaxSeconds:           m.config.MaxSeconds,
		PartialInterval:      m.config.PartialInterval,
		IdleFlush:            m.config.IdleFlush,
		VoiceFactor:          m.config.VoiceFactor,
		VADHistorySize:       m.config.VADHistorySize,
		VADNoiseFloor:        m.config.VADNoiseFloor,
		AllowNonLatin:        m.config.AllowNonLatin,
		HallucinationPhrases: m.config.HallucinationPhrases,
		ModelsDir:            m.config.ModelsDir,
		DefaultModel:         m.config.DefaultModel,
	}
	if opts.MinSeconds > 0 {
		cfg.MinSeconds = opts.MinSeconds
	}
	if opts.PartialInterval > 0 {
		cfg.PartialInterval = opts.PartialInterval
	}
	if opts.VoiceFactor > 0 {
		cfg.VoiceFactor = opts.VoiceFactor
	}
	if cfg.Model == "" {
		cfg.Model = m.config.DefaultModel
	}
	if !engine.IsSupported(cfg.Model) {
		return nil, fmt.Errorf("unsupported model %q", cfg.Model)
	}

	session, err := NewSession(cfg, m.registry, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[cfg.ID] = session
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionCreated(count)
	m.logger.Info("Session created",
		slog.String("session_id", cfg.ID),
		slog.String("model", cfg.Model),
		slog.Int("active_sessions", count))
	return session, nil
}

// RemoveSession closes and forgets a session.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	session.Close()
	info := session.Info()
	m.metrics.RecordSessionClosed(count, time.Since(info.CreatedAt).Seconds())
	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Int("active_sessions", count))
}

// Sessions lists snapshots of the live sessions.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireIdle()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) expireIdle() {
	cutoff := time.Now().Add(-m.config.StreamTimeout)

	m.mu.RLock()
	var expired []string
	for id, session := range m.sessions {
		if session.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info("Expiring idle session", slog.String("session_id", id))
		m.RemoveSession(id)
	}
}

// Stop closes every session and halts the expiry loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	if len(sessions) > 0 {
		m.logger.Info("All sessions closed", slog.Int("count", len(sessions)))
	}
}
