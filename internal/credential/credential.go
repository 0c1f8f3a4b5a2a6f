// Package credential stores the OpenAI API key. The key is validated
// syntactically on save and again whenever it is looked up, so an ill-formed
// environment key fails before any request; remote verification is left to
// the assistant client.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/leonardotrapani/voxchat/internal/storage"
)

const (
	EntryName = "openai_api_key"
	EnvVar    = "OPENAI_API_KEY"

	keyPrefix    = "sk-"
	minKeyLength = 21
)

var (
	ErrInvalidKey = errors.New("invalid API key")
	ErrNoKey      = errors.New("no API key configured")
)

// Validate checks the shape of an API key: non-empty, "sk-" prefix and
// longer than 20 characters.
func Validate(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if !strings.HasPrefix(key, keyPrefix) {
		return fmt.Errorf("%w: key must start with %q", ErrInvalidKey, keyPrefix)
	}
	if len(key) < minKeyLength {
		return fmt.Errorf("%w: key is too short", ErrInvalidKey)
	}
	return nil
}

// Source names where a key was found.
type Source string

const (
	SourceNone    Source = "none"
	SourceStore   Source = "store"
	SourceEnviron Source = "environment"
)

type Store struct {
	entries storage.Entries
	getenv  func(string) string
}

func NewStore(entries storage.Entries) *Store {
	return &Store{entries: entries, getenv: os.Getenv}
}

// Save validates and stores key, replacing any previous one.
func (s *Store) Save(key string) error {
	key = strings.TrimSpace(key)
	if err := Validate(key); err != nil {
		return err
	}
	if err := s.entries.Put(EntryName, []byte(key)); err != nil {
		return fmt.Errorf("save API key: %w", err)
	}
	return nil
}

// Load returns the stored key, falling back to $OPENAI_API_KEY.
// ErrNoKey is returned when neither is set.
func (s *Store) Load() (string, error) {
	key, _, err := s.Lookup()
	return key, err
}

// Lookup is Load that also reports where the key came from.
func (s *Store) Lookup() (string, Source, error) {
	data, err := s.entries.Get(EntryName)
	if err != nil {
		return "", SourceNone, fmt.Errorf("load API key: %w", err)
	}
	if key := strings.TrimSpace(string(data)); key != "" {
		return checked(key, SourceStore)
	}
	if key := strings.TrimSpace(s.getenv(EnvVar)); key != "" {
		return checked(key, SourceEnviron)
	}
	return "", SourceNone, ErrNoKey
}

// checked rejects a badly shaped key but still reports where it came from.
func checked(key string, src Source) (string, Source, error) {
	if err := Validate(key); err != nil {
		return "", src, fmt.Errorf("%s key: %w", src, err)
	}
	return key, src, nil
}

// Clear removes the stored key. The environment fallback is untouched.
func (s *Store) Clear() error {
	if err := s.entries.Delete(EntryName); err != nil {
		return fmt.Errorf("clear API key: %w", err)
	}
	return nil
}

// Mask hides all but the prefix and the last four characters.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + strings.Repeat("*", len(key)-7) + key[len(key)-4:]
}
