// Package audio handles PCM decoding, utterance segmentation, and WAV encoding.
// It accumulates float32 audio into bounded segment buffers, emits closed
// segments tagged with a monotonically increasing epoch, and converts
// float32 PCM to 16-bit WAV for the inference backend.
package audio
