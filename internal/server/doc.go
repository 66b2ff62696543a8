// Package server exposes the WebSocket streaming endpoint and the REST
// management surface: health, model catalog, engine pool control,
// one-shot transcription, session listings and Prometheus metrics.
package server
