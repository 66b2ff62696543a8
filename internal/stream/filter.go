package stream

import (
	"strings"
	"sync"
	"unicode"
)

// FilterReason classifies why a transcription was suppressed.
type FilterReason int

const (
	FilterNone FilterReason = iota
	FilterEmpty
	FilterHallucination
	FilterNonLatin
)

func (r FilterReason) String() string {
	switch r {
	case FilterNone:
		return "none"
	case FilterEmpty:
		return "empty"
	case FilterHallucination:
		return "hallucination"
	case FilterNonLatin:
		return "non_latin"
	default:
		return "unknown"
	}
}

// DefaultHallucinationPhrases are outputs whisper models emit on
// silence or noise rather than actual speech.
var DefaultHallucinationPhrases = []string{
	"[BLANK_AUDIO]",
	"[ Silence ]",
	"(silence)",
	"Thank you.",
	"Thanks for watching!",
	"Subtitles by the Amara.org community",
}

// TextFilter suppresses model hallucinations and, unless disabled,
// text with no Latin-script letters.
type TextFilter struct {
	mu            sync.RWMutex
	phrases       map[string]struct{}
	allowNonLatin bool
}

// NewTextFilter creates a filter. An empty phrase list falls back to
// the default denylist.
func NewTextFilter(phrases []string, allowNonLatin bool) *TextFilter {
	if len(phrases) == 0 {
		phrases = DefaultHallucinationPhrases
	}
	set := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		set[normalizePhrase(p)] = struct{}{}
	}
	return &TextFilter{phrases: set, allowNonLatin: allowNonLatin}
}

// Clean trims the text and decides whether it should reach the client.
// The returned reason is FilterNone when the text passes.
func (f *TextFilter) Clean(text string) (string, FilterReason) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", FilterEmpty
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, banned := f.phrases[normalizePhrase(trimmed)]; banned {
		return "", FilterHallucination
	}
	if !f.allowNonLatin && !hasLatinLetter(trimmed) && hasLetter(trimmed) {
		return "", FilterNonLatin
	}
	return trimmed, FilterNone
}

// SetAllowNonLatin toggles the non-Latin suppression at runtime.
func (f *TextFilter) SetAllowNonLatin(allow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowNonLatin = allow
}

// AllowNonLatin reports the current setting.
func (f *TextFilter) AllowNonLatin() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.allowNonLatin
}

func normalizePhrase(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func hasLatinLetter(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Latin, r) {
			return true
		}
	}
	return false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
