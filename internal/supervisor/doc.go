// Package supervisor manages a pool of whisper-server child processes,
// one per model. It allocates loopback ports, waits for startup health,
// tracks in-flight requests so busy engines cannot be stopped, and
// proxies inference calls over HTTP multipart uploads.
package supervisor
