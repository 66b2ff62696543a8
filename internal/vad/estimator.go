package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Default tuning for the adaptive RMS estimator.
const (
	DefaultVoiceFactor = 0.2
	DefaultHistorySize = 50
	DefaultNoiseFloor  = 1e-5

	// Voice factor is clamped into this range rather than rejected.
	MinVoiceFactor = 0.05
	MaxVoiceFactor = 0.9
)

// Estimator provides adaptive energy-based voice activity estimation.
// It keeps a bounded history of per-chunk RMS values and places the
// speech threshold between the observed minimum and maximum. This is a
// heuristic, not a model-based detector: it adapts to ambient noise but
// will misjudge sustained loud noise as speech.
type Estimator struct {
	voiceFactor float64
	noiseFloor  float64
	capacity    int

	history []float64

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastRMS       float64
	lastThreshold float64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the outcome of evaluating one audio chunk.
type Result struct {
	RMS       float64 `json:"rms"`
	Threshold float64 `json:"threshold"`
	Active    bool    `json:"active"`
}

// EstimatorStats represents estimator statistics
type EstimatorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastRMS         float64   `json:"last_rms"`
	LastThreshold   float64   `json:"last_threshold"`
	LastProcessed   time.Time `json:"last_processed"`
	VoiceFactor     float64   `json:"voice_factor"`
}

// NewEstimator creates a new voice activity estimator. The voice factor
// is clamped into [MinVoiceFactor, MaxVoiceFactor]; historySize and
// noiseFloor fall back to defaults when non-positive.
func NewEstimator(voiceFactor float64, historySize int, noiseFloor float64) *Estimator {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if noiseFloor <= 0 {
		noiseFloor = DefaultNoiseFloor
	}

	return &Estimator{
		voiceFactor: ClampVoiceFactor(voiceFactor),
		noiseFloor:  noiseFloor,
		capacity:    historySize,
		history:     make([]float64, 0, historySize),
	}
}

// ClampVoiceFactor forces a voice factor into the supported range.
func ClampVoiceFactor(f float64) float64 {
	if f < MinVoiceFactor {
		return MinVoiceFactor
	}
	if f > MaxVoiceFactor {
		return MaxVoiceFactor
	}
	return f
}

// Process evaluates one audio chunk and reports whether it carries voice.
// An empty chunk is ignored and reported as inactive.
func (e *Estimator) Process(chunk []float32) Result {
	if len(chunk) == 0 {
		return Result{}
	}

	var energy float64
	for _, sample := range chunk {
		energy += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(energy / float64(len(chunk)))

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) >= e.capacity {
		e.history = e.history[1:]
	}
	e.history = append(e.history, rms)

	minRMS := e.history[0]
	maxRMS := e.history[0]
	for _, v := range e.history[1:] {
		if v < minRMS {
			minRMS = v
		}
		if v > maxRMS {
			maxRMS = v
		}
	}

	threshold := minRMS + (maxRMS-minRMS)*e.voiceFactor
	active := rms >= threshold && rms > e.noiseFloor

	e.totalWindows++
	if active {
		e.voiceWindows++
	}
	e.lastRMS = rms
	e.lastThreshold = threshold
	e.lastProcessed = time.Now()

	return Result{
		RMS:       rms,
		Threshold: threshold,
		Active:    active,
	}
}

// SetVoiceFactor updates the voice factor, clamping it into range.
func (e *Estimator) SetVoiceFactor(f float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.voiceFactor = ClampVoiceFactor(f)
}

// VoiceFactor returns the current voice factor.
func (e *Estimator) VoiceFactor() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.voiceFactor
}

// GetStats returns current estimator statistics
func (e *Estimator) GetStats() EstimatorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	voicePercentage := float64(0)
	if e.totalWindows > 0 {
		voicePercentage = float64(e.voiceWindows) / float64(e.totalWindows) * 100
	}

	return EstimatorStats{
		TotalWindows:    e.totalWindows,
		VoiceWindows:    e.voiceWindows,
		VoicePercentage: voicePercentage,
		LastRMS:         e.lastRMS,
		LastThreshold:   e.lastThreshold,
		LastProcessed:   e.lastProcessed,
		VoiceFactor:     e.voiceFactor,
	}
}

// Reset resets the history and statistics.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = e.history[:0]
	e.totalWindows = 0
	e.voiceWindows = 0
	e.lastRMS = 0
	e.lastThreshold = 0
	e.lastProcessed = time.Time{}
}

// String implements fmt.Stringer for debugging.
func (r Result) String() string {
	return fmt.Sprintf("rms=%.6f threshold=%.6f active=%t", r.RMS, r.Threshold, r.Active)
}
