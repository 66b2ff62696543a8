//go:build ignore

// Standalone mock whisper-server for manual testing. Serves the
// /inference endpoint with canned transcriptions so the pipeline can
// be exercised without real models.
//
// Usage: go run test_inference_server.go -port 9000
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

var responses = []string{
	"hello world",
	"this is a test transcription",
	"the quick brown fox jumps over the lazy dog",
}

func main() {
	port := flag.Int("port", 9000, "port to listen on")
	delay := flag.Duration("delay", 150*time.Millisecond, "simulated inference latency")
	flag.Parse()

	var counter int
	http.HandleFunc("/inference", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			http.Error(w, "bad multipart form", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		file.Close()

		time.Sleep(*delay)

		text := responses[counter%len(responses)]
		counter++
		log.Printf("inference: file=%s size=%d -> %q", header.Filename, header.Size, text)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"text": text,
			"segments": []map[string]interface{}{
				{"start": 0.0, "end": 1.5, "text": text},
			},
			"language": r.FormValue("language"),
		})
	})

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	log.Printf("mock whisper-server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
