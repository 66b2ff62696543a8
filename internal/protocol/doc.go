// Package protocol defines the JSON frames exchanged over a streaming
// transcription connection: client control frames (silence hints, model
// selection, parameter tuning) and server frames (partial and final
// transcripts, status updates, model catalogs, errors).
package protocol
