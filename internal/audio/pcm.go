package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeFloat32LE decodes little-endian float32 PCM bytes into samples.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 PCM payload length must be a multiple of 4, got %d", len(data))
	}

	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}

	return samples, nil
}

// Float32ToPCM16 converts normalized float32 samples to 16-bit PCM,
// clipping anything outside [-1, 1].
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		}
		if s < -1 {
			s = -1
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}

// PCM16ToFloat32 converts 16-bit PCM samples to normalized float32.
func PCM16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}
