// Package engine defines the transcription backend facade: the Engine
// interface, the whisper-server backed implementation, a registry that
// loads one engine per model, and an HTTP downloader for ggml model
// files.
package engine
