// Package vad provides adaptive energy-based voice activity estimation.
// It tracks a bounded history of per-chunk RMS values and derives a dynamic
// speech threshold between the observed minimum and maximum energy.
package vad
