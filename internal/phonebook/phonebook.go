// Package phonebook maps E.164 phone numbers to known callers. The book is a
// JSON file loaded at startup and reloaded on SIGHUP, so operators can add
// teammates and customers without restarting the agent.
package phonebook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/alihamza79/voiceline/internal/session"
)

// e164 per ITU-T E.164: leading +, then up to 15 digits, no leading zero.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidNumber reports whether s is a well-formed E.164 number.
func ValidNumber(s string) bool {
	return e164.MatchString(s)
}

// Entry is one phonebook record.
type Entry struct {
	Name     string           `json:"name"`
	Role     session.Role     `json:"role"`
	Email    string           `json:"email,omitempty"`
	Language session.Language `json:"language,omitempty"`
}

// Book is the process-wide phonebook. Read-mostly; Reload swaps the whole map
// under a write lock.
type Book struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// Load reads the phonebook JSON file at path.
func Load(path string) (*Book, error) {
	b := &Book{path: path}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload re-reads the backing file. On parse or validation errors the previous
// entries stay in effect.
func (b *Book) Reload() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("phonebook: read %s: %w", b.path, err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("phonebook: parse %s: %w", b.path, err)
	}

	for number, e := range entries {
		if !ValidNumber(number) {
			return fmt.Errorf("phonebook: %s: %q is not an E.164 number", b.path, number)
		}
		if !e.Role.IsValid() {
			return fmt.Errorf("phonebook: %s: entry %q has unknown role %q", b.path, number, e.Role)
		}
	}

	b.mu.Lock()
	b.entries = entries
	b.mu.Unlock()

	slog.Info("Phonebook loaded", "path", b.path, "entries", len(entries))
	return nil
}

// Lookup resolves a caller. Unknown numbers return an Entry with
// session.RoleUnknown and the default language so every caller gets a peer.
func (b *Book) Lookup(number string) Entry {
	b.mu.RLock()
	e, ok := b.entries[number]
	b.mu.RUnlock()
	if !ok {
		return Entry{Role: session.RoleUnknown, Language: session.LangEnglish}
	}
	if e.Language == "" {
		e.Language = session.LangEnglish
	}
	return e
}

// Peer builds the session peer for a caller number.
func (b *Book) Peer(number string) session.Peer {
	e := b.Lookup(number)
	return session.Peer{
		PhoneNumber: number,
		Name:        e.Name,
		Role:        e.Role,
		Email:       e.Email,
		Language:    e.Language,
	}
}

// FindByName returns the number and entry of the first caller whose name
// matches case-insensitively. Used by the delay workflow to resolve the
// customer a teammate names.
func (b *Book) FindByName(name string) (string, Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for number, e := range b.entries {
		if strings.EqualFold(e.Name, name) {
			return number, e, true
		}
	}
	// Second pass: first-name match ("James" for "James Miller").
	for number, e := range b.entries {
		first, _, _ := strings.Cut(e.Name, " ")
		if strings.EqualFold(first, name) {
			return number, e, true
		}
	}
	return "", Entry{}, false
}

// Len returns the number of known callers.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
