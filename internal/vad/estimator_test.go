package vad

import (
	"math"
	"testing"
)

// constantChunk builds a chunk where every sample has the given amplitude,
// so the chunk RMS equals the amplitude exactly.
func constantChunk(amplitude float32, n int) []float32 {
	chunk := make([]float32, n)
	for i := range chunk {
		chunk[i] = amplitude
	}
	return chunk
}

func TestNewEstimatorClampsVoiceFactor(t *testing.T) {
	tests := []struct {
		name     string
		factor   float64
		expected float64
	}{
		{name: "below minimum", factor: 0.0, expected: MinVoiceFactor},
		{name: "negative", factor: -1.0, expected: MinVoiceFactor},
		{name: "above maximum", factor: 1.5, expected: MaxVoiceFactor},
		{name: "in range", factor: 0.3, expected: 0.3},
		{name: "default", factor: DefaultVoiceFactor, expected: DefaultVoiceFactor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEstimator(tt.factor, DefaultHistorySize, DefaultNoiseFloor)
			if got := e.VoiceFactor(); got != tt.expected {
				t.Errorf("Expected voice factor %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestProcessComputesRMS(t *testing.T) {
	e := NewEstimator(DefaultVoiceFactor, DefaultHistorySize, DefaultNoiseFloor)

	result := e.Process(constantChunk(0.5, 160))
	if math.Abs(result.RMS-0.5) > 1e-6 {
		t.Errorf("Expected RMS 0.5, got %f", result.RMS)
	}
}

func TestProcessEmptyChunk(t *testing.T) {
	e := NewEstimator(DefaultVoiceFactor, DefaultHistorySize, DefaultNoiseFloor)

	result := e.Process(nil)
	if result.Active {
		t.Error("Expected empty chunk to be inactive")
	}

	stats := e.GetStats()
	if stats.TotalWindows != 0 {
		t.Errorf("Expected empty chunk to be ignored, got %d windows", stats.TotalWindows)
	}
}

func TestDynamicThreshold(t *testing.T) {
	e := NewEstimator(0.2, DefaultHistorySize, DefaultNoiseFloor)

	// Establish an energy range: quiet floor at 0.01, loud peak at 0.11.
	e.Process(constantChunk(0.01, 160))
	e.Process(constantChunk(0.11, 160))

	// Threshold should sit at min + (max-min)*0.2 = 0.03.
	result := e.Process(constantChunk(0.05, 160))
	if math.Abs(result.Threshold-0.03) > 1e-6 {
		t.Errorf("Expected threshold 0.03, got %f", result.Threshold)
	}
	if !result.Active {
		t.Error("Expected chunk above dynamic threshold to be active")
	}

	// A chunk below the threshold must be inactive.
	result = e.Process(constantChunk(0.02, 160))
	if result.Active {
		t.Error("Expected chunk below dynamic threshold to be inactive")
	}
}

func TestNoiseFloorGuard(t *testing.T) {
	e := NewEstimator(0.2, DefaultHistorySize, DefaultNoiseFloor)

	// Near-digital-silence chunks sit above the relative threshold
	// (min == max so threshold == rms) but below the absolute floor.
	result := e.Process(constantChunk(1e-6, 160))
	if result.Active {
		t.Error("Expected chunk below noise floor to be inactive")
	}
}

func TestHistoryEviction(t *testing.T) {
	e := NewEstimator(0.2, 3, DefaultNoiseFloor)

	// Fill the window with one loud entry followed by quiet entries.
	e.Process(constantChunk(0.9, 160))
	e.Process(constantChunk(0.01, 160))
	e.Process(constantChunk(0.01, 160))

	// The next chunk evicts the loud entry, so the range collapses and
	// the threshold follows the quiet ambient level.
	result := e.Process(constantChunk(0.01, 160))
	if result.Threshold > 0.02 {
		t.Errorf("Expected threshold to adapt after eviction, got %f", result.Threshold)
	}
}

func TestSetVoiceFactor(t *testing.T) {
	e := NewEstimator(0.2, DefaultHistorySize, DefaultNoiseFloor)

	e.SetVoiceFactor(2.0)
	if got := e.VoiceFactor(); got != MaxVoiceFactor {
		t.Errorf("Expected clamped voice factor %f, got %f", MaxVoiceFactor, got)
	}

	e.SetVoiceFactor(0.5)
	if got := e.VoiceFactor(); got != 0.5 {
		t.Errorf("Expected voice factor 0.5, got %f", got)
	}
}

func TestStatsTracking(t *testing.T) {
	e := NewEstimator(0.2, DefaultHistorySize, DefaultNoiseFloor)

	e.Process(constantChunk(0.01, 160))
	e.Process(constantChunk(0.2, 160))

	stats := e.GetStats()
	if stats.TotalWindows != 2 {
		t.Errorf("Expected 2 windows processed, got %d", stats.TotalWindows)
	}
	if stats.VoiceWindows == 0 {
		t.Error("Expected at least one voice window")
	}
	if stats.LastRMS == 0 {
		t.Error("Expected last RMS to be recorded")
	}
}

func TestReset(t *testing.T) {
	e := NewEstimator(0.2, DefaultHistorySize, DefaultNoiseFloor)

	e.Process(constantChunk(0.2, 160))
	e.Reset()

	stats := e.GetStats()
	if stats.TotalWindows != 0 || stats.VoiceWindows != 0 {
		t.Errorf("Expected statistics cleared after reset, got %+v", stats)
	}
}
