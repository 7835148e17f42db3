package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Common timeout durations
const (
	DefaultPlayerTimeout = 5 * time.Second
	ShortTimeout         = 2 * time.Second
)

// MaxMessageRunes is the longest neighbor message accepted.
const MaxMessageRunes = 200

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateMessage trims a neighbor message and checks its length.
func ValidateMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", errors.New("message is empty")
	}
	if utf8.RuneCountInString(msg) > MaxMessageRunes {
		return "", errors.New("message is longer than 200 characters")
	}
	return msg, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
