package audio

import (
	"fmt"
	"sync"
	"time"
)

// Segment is a closed utterance snapshot handed to the transcription layer.
// Epoch identifies the buffer generation the segment was cut from; any
// in-flight partial result carrying an older epoch must be discarded.
type Segment struct {
	Samples  []float32
	Epoch    uint64
	Duration time.Duration
}

// SegmenterConfig contains configuration for utterance segmentation.
type SegmenterConfig struct {
	MinSeconds float64
	MaxSeconds float64
	SampleRate int
}

// Segmenter accumulates streamed PCM into a bounded buffer and emits
// closed segments on a channel. Closing the buffer always clears it and
// advances the epoch, whether or not a segment was emitted.
type Segmenter struct {
	sampleRate int
	minSamples int
	maxSamples int

	buffer []float32
	epoch  uint64

	segments chan Segment

	// Statistics
	segmentsEmitted uint64
	samplesPushed   uint64
	dropped         uint64

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	Epoch           uint64  `json:"epoch"`
	BufferedSamples int     `json:"buffered_samples"`
	BufferedSeconds float64 `json:"buffered_seconds"`
	SegmentsEmitted uint64  `json:"segments_emitted"`
	SamplesPushed   uint64  `json:"samples_pushed"`
	Dropped         uint64  `json:"dropped_segments"`
}

// segmentChannelCapacity bounds how many closed segments can wait for the
// consumer before new closes are dropped instead of blocking Push.
const segmentChannelCapacity = 8

// NewSegmenter creates a new utterance segmenter.
func NewSegmenter(cfg SegmenterConfig) (*Segmenter, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.MinSeconds <= 0 {
		return nil, fmt.Errorf("min seconds must be positive, got %f", cfg.MinSeconds)
	}
	if cfg.MaxSeconds <= cfg.MinSeconds {
		return nil, fmt.Errorf("max seconds (%f) must be greater than min seconds (%f)",
			cfg.MaxSeconds, cfg.MinSeconds)
	}

	return &Segmenter{
		sampleRate: cfg.SampleRate,
		minSamples: int(cfg.MinSeconds * float64(cfg.SampleRate)),
		maxSamples: int(cfg.MaxSeconds * float64(cfg.SampleRate)),
		segments:   make(chan Segment, segmentChannelCapacity),
	}, nil
}

// Segments returns the channel closed segments are delivered on.
func (s *Segmenter) Segments() <-chan Segment {
	return s.segments
}

// Push appends a chunk to the open buffer. Reaching the maximum duration
// force-closes the buffer so a single utterance cannot grow unbounded.
func (s *Segmenter) Push(chunk []float32) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, chunk...)
	s.samplesPushed += uint64(len(chunk))

	if len(s.buffer) >= s.maxSamples {
		s.closeLocked()
	}
}

// NotifySilence closes the buffer if it holds at least the minimum
// duration. Shorter buffers stay open to avoid emitting noise fragments.
func (s *Segmenter) NotifySilence() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= s.minSamples {
		s.closeLocked()
	}
}

// Flush closes the buffer regardless of the minimum duration. An empty
// buffer is a no-op, so calling Flush twice emits exactly one segment.
func (s *Segmenter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
}

// Reset discards the open buffer without emitting a segment and advances
// the epoch so stale in-flight results are invalidated.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = s.buffer[:0]
	s.epoch++
}

// closeLocked snapshots the buffer, emits it, and starts a new epoch.
// The send never blocks: if the consumer is behind, the segment is
// dropped and counted rather than stalling the ingest path.
func (s *Segmenter) closeLocked() {
	if len(s.buffer) == 0 {
		return
	}

	samples := make([]float32, len(s.buffer))
	copy(samples, s.buffer)

	segment := Segment{
		Samples:  samples,
		Epoch:    s.epoch,
		Duration: time.Duration(float64(len(samples)) / float64(s.sampleRate) * float64(time.Second)),
	}

	s.buffer = s.buffer[:0]
	s.epoch++

	select {
	case s.segments <- segment:
		s.segmentsEmitted++
	default:
		s.dropped++
	}
}

// Epoch returns the current buffer generation.
func (s *Segmenter) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// BufferedSamples returns the number of samples in the open buffer.
func (s *Segmenter) BufferedSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// MinSamples returns the silence-close threshold in samples.
func (s *Segmenter) MinSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minSamples
}

// SetMinSeconds updates the silence-close threshold.
func (s *Segmenter) SetMinSeconds(seconds float64) {
	if seconds <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	minSamples := int(seconds * float64(s.sampleRate))
	if minSamples >= s.maxSamples {
		return
	}
	s.minSamples = minSamples
}

// Snapshot returns a copy of the open buffer together with the epoch it
// belongs to, for partial transcription of the in-progress utterance.
func (s *Segmenter) Snapshot() ([]float32, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return nil, s.epoch
	}

	samples := make([]float32, len(s.buffer))
	copy(samples, s.buffer)
	return samples, s.epoch
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		Epoch:           s.epoch,
		BufferedSamples: len(s.buffer),
		BufferedSeconds: float64(len(s.buffer)) / float64(s.sampleRate),
		SegmentsEmitted: s.segmentsEmitted,
		SamplesPushed:   s.samplesPushed,
		Dropped:         s.dropped,
	}
}
