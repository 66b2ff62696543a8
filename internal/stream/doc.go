// Package stream implements live transcription sessions: each session
// runs voice activity detection and utterance segmentation over an
// incoming PCM stream, dispatches partial and final inference requests,
// and reconciles their results so stale text never reaches the client.
package stream
