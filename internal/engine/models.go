package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Supported lists the whisper.cpp model names this server can serve.
var Supported = []string{
	"tiny.en", "tiny",
	"base.en", "base",
	"small.en", "small",
	"medium.en", "medium",
	"large-v1", "large-v2", "large-v3", "large",
	"distil-large-v2", "distil-medium.en", "distil-small.en", "distil-large-v3",
}

// IsSupported reports whether name is a known model.
func IsSupported(name string) bool {
	for _, m := range Supported {
		if m == name {
			return true
		}
	}
	return false
}

// ModelFileName maps a model name onto its ggml file name.
func ModelFileName(model string) string {
	return "ggml-" + model + ".bin"
}

// ModelPath returns the on-disk path for a model under dir.
func ModelPath(dir, model string) string {
	return filepath.Join(dir, ModelFileName(model))
}

// InstalledModels scans dir for ggml model files and returns the model
// names, sorted. A missing directory yields an empty list, not an
// error, so a fresh install reports no models.
func InstalledModels(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var models []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "ggml-") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		models = append(models, strings.TrimSuffix(strings.TrimPrefix(name, "ggml-"), ".bin"))
	}
	sort.Strings(models)
	return models
}
