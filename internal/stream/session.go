package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/audio"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/engine"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/metrics"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/protocol"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/vad"
)

// State is the session lifecycle phase.
type State int

const (
	// StateAwaitingEngine means the engine for the selected model is
	// still loading; audio is buffered but nothing is transcribed.
	StateAwaitingEngine State = iota
	// StateReady means the engine is serving partials and finals.
	StateReady
	// StateSwitchingModel means a model change is in progress.
	StateSwitchingModel
	// StateClosed means the session has shut down.
	StateClosed
)

// maxPendingSegments bounds how many finalized segments a session holds
// while its engine warms up. Each segment is at most maxSeconds long.
const maxPendingSegments = 16

func (s State) String() string {
	switch s {
	case StateAwaitingEngine:
		return "awaiting_engine"
	case StateReady:
		return "ready"
	case StateSwitchingModel:
		return "switching_model"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig carries the per-session tunables.
type SessionConfig struct {
	ID                   string
	Model                string
	Language             string
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
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Epoch        uint64    `json:"epoch"`
	Finals       int       `json:"finals"`
}

type engineEvent struct {
	model  string
	status string
	eng    engine.Engine
	err    error
}

type partialResult struct {
	epoch uint64
	size  int
	text  string
	err   error
}

type finalResult struct {
	model    string
	text     string
	duration time.Duration
	err      error
}

// Session ties one audio stream to the segmentation, voice detection
// and transcription pipeline. A single run loop goroutine owns all
// transcription state; inference calls run in short-lived goroutines
// that report back over channels.
type Session struct {
	cfg      SessionConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *engine.Registry

	estimator *vad.Estimator
	segmenter *audio.Segmenter
	filter    *TextFilter

	inbound  chan []float32
	control  chan *protocol.ControlFrame
	outbound chan interface{}

	engineReady chan engineEvent
	partialDone chan partialResult
	finalDone   chan finalResult

	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.RWMutex
	state        State
	model        string
	lastActivity time.Time
	createdAt    time.Time
	finals       int
}

// NewSession creates a session and starts its run loop. The engine for
// cfg.Model is loaded in the background; the caller receives status
// frames on the outbound channel as loading progresses.
func NewSession(cfg SessionConfig, registry *engine.Registry, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	if cfg.Model == "" {
		cfg.Model = cfg.DefaultModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MaxSeconds <= 0 {
		cfg.MaxSeconds = 10
	}
	// Client-supplied overrides clamp rather than reject, so a bad
	// query parameter degrades a tunable instead of killing the
	// connection.
	if cfg.MinSeconds <= 0 {
		cfg.MinSeconds = 0.5
	}
	if cfg.MinSeconds >= cfg.MaxSeconds {
		cfg.MinSeconds = cfg.MaxSeconds / 2
	}
	if cfg.PartialInterval <= 0 {
		cfg.PartialInterval = 500 * time.Millisecond
	}
	cfg.PartialInterval = clampInterval(cfg.PartialInterval.Seconds())
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	seg, err := audio.NewSegmenter(audio.SegmenterConfig{
		MinSeconds: cfg.MinSeconds,
		MaxSeconds: cfg.MaxSeconds,
		SampleRate: cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	now := time.Now()
	s := &Session{
		cfg:       cfg,
		logger:    logger.With(slog.String("session_id", cfg.ID)),
		metrics:   m,
		registry:  registry,
		estimator: vad.NewEstimator(cfg.VoiceFactor, cfg.VADHistorySize, cfg.VADNoiseFloor),
		segmenter: seg,
		filter:    NewTextFilter(cfg.HallucinationPhrases, cfg.AllowNonLatin),

		inbound:  make(chan []float32, 32),
		control:  make(chan *protocol.ControlFrame, 8),
		outbound: make(chan interface{}, 32),

		engineReady: make(chan engineEvent, 4),
		partialDone: make(chan partialResult, 1),
		finalDone:   make(chan finalResult, 4),

		closed: make(chan struct{}),

		state:        StateAwaitingEngine,
		model:        cfg.Model,
		createdAt:    now,
		lastActivity: now,
	}

	go s.warmUp(cfg.Model)
	go s.run()
	return s, nil
}

// PushAudio decodes a binary frame of little-endian float32 PCM and
// queues it for the run loop.
func (s *Session) PushAudio(data []byte) error {
	samples, err := audio.DecodeFloat32LE(data)
	if err != nil {
		return err
	}
	s.touch()
	select {
	case s.inbound <- samples:
		return nil
	case <-s.closed:
		return fmt.Errorf("session closed")
	}
}

// Control queues a parsed client control frame.
func (s *Session) Control(frame *protocol.ControlFrame) error {
	s.touch()
	select {
	case s.control <- frame:
		return nil
	case <-s.closed:
		return fmt.Errorf("session closed")
	}
}

// Outbound returns the channel of server frames. It is closed when the
// session shuts down.
func (s *Session) Outbound() <-chan interface{} {
	return s.outbound
}

// Close shuts the session down. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Info returns a snapshot for listings.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:           s.cfg.ID,
		Model:        s.model,
		State:        s.state.String(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Epoch:        s.segmenter.Epoch(),
		Finals:       s.finals,
	}
}

// LastActivity returns the time of the last client interaction.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

// warmUp loads the engine for model in the background, reporting
// progress as events. A missing model file triggers a download and one
// retry, mirroring the first-run experience.
func (s *Session) warmUp(model string) {
	s.postEngineEvent(engineEvent{model: model, status: "loading model " + model})

	ctx := context.Background()
	eng, err := s.registry.Ensure(ctx, model, false)
	if engine.IsModelNotFound(err) {
		s.postEngineEvent(engineEvent{model: model, status: "downloading model " + model})
		eng, err = s.registry.Ensure(ctx, model, true)
		if err == nil {
			s.postEngineEvent(engineEvent{model: model, status: "download complete " + model})
		}
	}
	if err != nil {
		s.postEngineEvent(engineEvent{model: model, err: err})
		return
	}
	s.postEngineEvent(engineEvent{model: model, eng: eng, status: "model loaded " + model})
}

func (s *Session) postEngineEvent(ev engineEvent) {
	select {
	case s.engineReady <- ev:
	case <-s.closed:
	}
}

// run is the session's single owner goroutine. All segmentation and
// reconciliation state lives in its locals.
func (s *Session) run() {
	defer close(s.outbound)

	var (
		eng             engine.Engine
		language        = s.cfg.Language
		partialBusy     bool
		lastPartialSize int
		voiceActive     bool
		lastVAD         vad.Result
		history         []string
		pending         []audio.Segment
		partialInterval = s.cfg.PartialInterval
		minSecondsNow   = s.cfg.MinSeconds
	)

	ticker := time.NewTicker(partialInterval)
	defer ticker.Stop()
	idle := time.NewTimer(s.cfg.IdleFlush)
	defer idle.Stop()

	stats := func() *protocol.SessionStats {
		segStats := s.segmenter.GetStats()
		return &protocol.SessionStats{
			Model:           s.currentModel(),
			RMS:             lastVAD.RMS,
			Threshold:       lastVAD.Threshold,
			BufferSeconds:   segStats.BufferedSeconds,
			Epoch:           segStats.Epoch,
			MinSeconds:      minSecondsNow,
			PartialInterval: partialInterval.Seconds(),
		}
	}

	send := func(frame interface{}) {
		select {
		case s.outbound <- frame:
		case <-s.closed:
		}
	}

	// The idle window runs from the last client frame of either kind,
	// audio or control.
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.cfg.IdleFlush)
	}

	transcribe := func(seg audio.Segment, eng engine.Engine, model, language string) {
		go func() {
			res, err := eng.TranscribeArray(context.Background(), seg.Samples, language, false)
			r := finalResult{model: model, duration: seg.Duration, err: err}
			if err == nil {
				r.text = res.Text
			}
			select {
			case s.finalDone <- r:
			case <-s.closed:
			}
		}()
	}

	// Advertise the model catalog up front so clients can render a
	// picker before the engine finishes loading.
	send(protocol.NewModelsFrame(
		engine.Supported,
		engine.InstalledModels(s.cfg.ModelsDir),
		s.cfg.DefaultModel,
		s.currentModel(),
	))

	for {
		select {
		case <-s.closed:
			s.setState(StateClosed)
			return

		case samples := <-s.inbound:
			result := s.estimator.Process(samples)
			lastVAD = result
			voiceActive = result.Active
			s.metrics.RecordVADWindow(result.Active)
			s.metrics.RecordChunkReceived(len(samples))
			s.segmenter.Push(samples)
			resetIdle()

		case <-idle.C:
			// Client went quiet without an end-of-utterance signal;
			// force whatever is buffered out as a segment.
			s.segmenter.Flush()
			idle.Reset(s.cfg.IdleFlush)

		case frame := <-s.control:
			resetIdle()
			switch frame.Type {
			case protocol.TypeSilence:
				s.segmenter.NotifySilence()

			case protocol.TypeSelectModel:
				if !engine.IsSupported(frame.Model) {
					send(protocol.NewErrorFrame(fmt.Sprintf("unsupported model %q", frame.Model)))
					continue
				}
				if frame.Model == s.currentModel() && eng != nil {
					send(protocol.NewStatusFrame("model loaded " + frame.Model))
					continue
				}
				s.logger.Info("Switching model",
					slog.String("from", s.currentModel()),
					slog.String("to", frame.Model))
				s.segmenter.Reset()
				lastPartialSize = 0
				pending = nil
				eng = nil
				s.setModel(frame.Model)
				s.setState(StateSwitchingModel)
				go s.warmUp(frame.Model)

			case protocol.TypeSetParams:
				if frame.MinSeconds != nil {
					s.segmenter.SetMinSeconds(*frame.MinSeconds)
					minSecondsNow = *frame.MinSeconds
				}
				if frame.PartialInterval != nil {
					interval := clampInterval(*frame.PartialInterval)
					partialInterval = interval
					ticker.Reset(interval)
				}
				if frame.VoiceFactor != nil {
					s.estimator.SetVoiceFactor(*frame.VoiceFactor)
				}
				if frame.Language != nil {
					language = *frame.Language
				}
				if frame.AllowNonLatin != nil {
					s.filter.SetAllowNonLatin(*frame.AllowNonLatin)
				}

			case protocol.TypeRequestModels:
				send(protocol.NewModelsFrame(
					engine.Supported,
					engine.InstalledModels(s.cfg.ModelsDir),
					s.cfg.DefaultModel,
					s.currentModel(),
				))
			}

		case ev := <-s.engineReady:
			if ev.model != s.currentModel() {
				// Warmup for a model the client already moved on from.
				continue
			}
			if ev.err != nil {
				s.logger.Error("Engine load failed",
					slog.String("model", ev.model),
					slog.String("error", ev.err.Error()))
				send(protocol.NewErrorFrame(ev.err.Error()))
				continue
			}
			if ev.eng != nil {
				eng = ev.eng
				s.setState(StateReady)
				// Segments finalized during warm-up were held back;
				// they belong to this engine now.
				if len(pending) > 0 {
					s.logger.Info("Dispatching segments held during warm-up",
						slog.Int("count", len(pending)))
					for _, seg := range pending {
						transcribe(seg, eng, s.currentModel(), language)
					}
					pending = nil
				}
			}
			if ev.status != "" {
				send(protocol.NewStatusFrame(ev.status))
			}

		case <-ticker.C:
			if eng == nil || partialBusy || !voiceActive {
				continue
			}
			samples, epoch := s.segmenter.Snapshot()
			if len(samples) < s.segmenter.MinSamples() || len(samples) == lastPartialSize {
				continue
			}
			partialBusy = true
			s.metrics.RecordPartialAttempt()
			go func(samples []float32, epoch uint64, eng engine.Engine, language string) {
				res, err := eng.TranscribeArray(context.Background(), samples, language, true)
				r := partialResult{epoch: epoch, size: len(samples), err: err}
				if err == nil {
					r.text = res.Text
				}
				select {
				case s.partialDone <- r:
				case <-s.closed:
				}
			}(samples, epoch, eng, language)

		case r := <-s.partialDone:
			partialBusy = false
			if r.err != nil {
				// Failed attempts leave lastPartialSize untouched so
				// the next tick retries the same buffer.
				s.logger.Debug("Partial transcription failed",
					slog.String("error", r.err.Error()))
				continue
			}
			if r.epoch != s.segmenter.Epoch() {
				// The buffer this text described was closed or reset
				// while inference ran. Drop it.
				s.metrics.RecordPartialStale()
				continue
			}
			lastPartialSize = r.size
			text, reason := s.filter.Clean(r.text)
			if reason != FilterNone {
				s.metrics.RecordTextFiltered(reason.String())
				continue
			}
			s.metrics.RecordPartialApplied()
			send(protocol.NewPartialFrame(text, stats()))

		case seg, ok := <-s.segmenter.Segments():
			if !ok {
				continue
			}
			lastPartialSize = 0
			s.metrics.RecordSegmentEmitted(seg.Duration.Seconds())
			if eng == nil {
				// Engine still warming up; hold the segment until the
				// ready event instead of losing the speech.
				if len(pending) >= maxPendingSegments {
					s.logger.Warn("Warm-up backlog full, dropping oldest segment",
						slog.Int("limit", maxPendingSegments))
					pending = pending[1:]
				}
				pending = append(pending, seg)
				continue
			}
			transcribe(seg, eng, s.currentModel(), language)

		case r := <-s.finalDone:
			if r.model != s.currentModel() {
				// Result from an engine the session switched away
				// from; the new model owns the transcript now.
				s.logger.Debug("Discarding final from previous model",
					slog.String("model", r.model))
				continue
			}
			if r.err != nil {
				s.logger.Error("Final transcription failed",
					slog.String("error", r.err.Error()))
				send(protocol.NewErrorFrame(r.err.Error()))
				continue
			}
			text, reason := s.filter.Clean(r.text)
			if reason != FilterNone {
				s.metrics.RecordTextFiltered(reason.String())
				continue
			}
			history = append(history, text)
			s.mu.Lock()
			s.finals = len(history)
			s.mu.Unlock()
			s.metrics.RecordFinalEmitted()
			send(protocol.NewFinalFrame(text, history, stats()))
		}
	}
}

func (s *Session) currentModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func clampInterval(seconds float64) time.Duration {
	if seconds < 0.1 {
		seconds = 0.1
	}
	if seconds > 2.0 {
		seconds = 2.0
	}
	return time.Duration(seconds * float64(time.Second))
}
