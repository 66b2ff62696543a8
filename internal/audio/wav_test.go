package audio

import (
	"math"
	"testing"
)

func TestEncodeWAVHeader(t *testing.T) {
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	data, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(data) != 44+len(samples)*2 {
		t.Errorf("Expected %d bytes, got %d", 44+len(samples)*2, len(data))
	}

	if err := ValidateWAV(data); err != nil {
		t.Errorf("Encoded WAV failed validation: %v", err)
	}

	duration, err := GetWAVDuration(data)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}
	if math.Abs(duration-1.0) > 1e-6 {
		t.Errorf("Expected 1s duration, got %f", duration)
	}
}

func TestEncodeWAVEmptySamples(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}
	if _, err := EncodeWAV(make([]int16, 100), 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	original := []int16{0, 1000, -1000, 32767, -32768, 42}

	data, err := EncodeWAV(original, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, sampleRate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if sampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", sampleRate)
	}
	if len(decoded) != len(original) {
		t.Fatalf("Expected %d samples, got %d", len(original), len(decoded))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("Sample %d mismatch: expected %d, got %d", i, original[i], decoded[i])
		}
	}
}

func TestEncodeWAVFloat32Clips(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 2.0, -2.0}

	data, err := EncodeWAVFloat32(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVFloat32 failed: %v", err)
	}

	decoded, _, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if decoded[3] != math.MaxInt16 {
		t.Errorf("Expected positive overdrive to clip to %d, got %d", math.MaxInt16, decoded[3])
	}
	if decoded[4] != -math.MaxInt16 {
		t.Errorf("Expected negative overdrive to clip to %d, got %d", -math.MaxInt16, decoded[4])
	}
	if math.Abs(float64(decoded[1])-0.5*math.MaxInt16) > 1 {
		t.Errorf("Expected half-scale sample near %d, got %d", math.MaxInt16/2, decoded[1])
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	samples := []float32{0.25, -0.75, 1.0}
	data := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		bits := math.Float32bits(s)
		data = append(data, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}

	decoded, err := DecodeFloat32LE(data)
	if err != nil {
		t.Fatalf("DecodeFloat32LE failed: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d mismatch: expected %f, got %f", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeFloat32LEInvalidLength(t *testing.T) {
	if _, err := DecodeFloat32LE([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for payload not divisible by 4")
	}
}
