// Package filler holds the library of pre-synthesized audio clips played to
// mask collaborator latency. Clips are raw µ-law 8 kHz payloads produced
// offline with the same TTS voice the agent speaks with, laid out on disk as
// <dir>/<language>/<category>/*.ulaw. The library is read-only after startup.
package filler

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alihamza79/voiceline/internal/session"
)

// Category names the latency-hiding situation a clip covers.
type Category string

const (
	CategoryLookup         Category = "lookup"
	CategoryShiftCancel    Category = "shift_cancel"
	CategoryBook           Category = "book"
	CategoryGeneric        Category = "generic"
	CategoryDelayLookup    Category = "delay_lookup"
	CategoryCalendarUpdate Category = "calendar_update"
	CategoryCalendarFetch  Category = "calendar_fetch"
	CategoryConfirm        Category = "confirm"
	CategoryReschedule     Category = "reschedule"
	CategoryDecline        Category = "decline"
)

// Categories lists every known clip category, in directory-scan order.
var Categories = []Category{
	CategoryLookup, CategoryShiftCancel, CategoryBook, CategoryGeneric,
	CategoryDelayLookup, CategoryCalendarUpdate, CategoryCalendarFetch,
	CategoryConfirm, CategoryReschedule, CategoryDecline,
}

// Clip is one pre-synthesized filler.
type Clip struct {
	ID       string
	Language session.Language
	Category Category
	Payload  []byte
}

type key struct {
	lang session.Language
	cat  Category
}

// Library indexes clips by language and category.
type Library struct {
	clips map[key][]Clip

	mu  sync.Mutex
	rng *rand.Rand
}

// Load scans dir for clips. Missing language or category directories are
// skipped; a library with zero clips is valid (fillers are then simply never
// played).
func Load(dir string) (*Library, error) {
	lib := &Library{
		clips: make(map[key][]Clip),
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}

	langs := []session.Language{
		session.LangEnglish, session.LangGerman,
		session.LangHindi, session.LangHindiMixed,
	}
	total := 0
	for _, lang := range langs {
		for _, cat := range Categories {
			pattern := filepath.Join(dir, string(lang), string(cat), "*.ulaw")
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, fmt.Errorf("filler: scan %s: %w", pattern, err)
			}
			for _, path := range matches {
				payload, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("filler: read %s: %w", path, err)
				}
				if len(payload) == 0 {
					slog.Warn("Skipping empty filler clip", "path", path)
					continue
				}
				k := key{lang, cat}
				lib.clips[k] = append(lib.clips[k], Clip{
					ID:       strings.TrimSuffix(filepath.Base(path), ".ulaw"),
					Language: lang,
					Category: cat,
					Payload:  payload,
				})
				total++
			}
		}
	}

	slog.Info("Filler library loaded", "dir", dir, "clips", total)
	return lib, nil
}

// Pick returns a random clip for the language and category. When the exact
// language has no clips the English clips serve as fallback; ok is false when
// neither exists.
func (l *Library) Pick(lang session.Language, cat Category) (Clip, bool) {
	clips := l.clips[key{lang, cat}]
	if len(clips) == 0 && lang != session.LangEnglish {
		clips = l.clips[key{session.LangEnglish, cat}]
	}
	if len(clips) == 0 {
		return Clip{}, false
	}
	l.mu.Lock()
	i := l.rng.Intn(len(clips))
	l.mu.Unlock()
	return clips[i], true
}

// Count returns how many clips the library holds for the pair. Used by the
// startup summary.
func (l *Library) Count(lang session.Language, cat Category) int {
	return len(l.clips[key{lang, cat}])
}

// Total returns the number of clips across all languages and categories.
func (l *Library) Total() int {
	n := 0
	for _, clips := range l.clips {
		n += len(clips)
	}
	return n
}
