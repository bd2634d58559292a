// Package template resolves and renders the relay's named message
// templates. Templates are format strings with {name} placeholders,
// merged from a fixed built-in set and an optional JSON override file.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults are the built-in templates, always available unless overridden
// by name in the override file.
var Defaults = map[string]string{
	"vm_alert":   "🔴 *{hostname}* - {resource} at {value}%",
	"vm_warning": "⚠️ *{hostname}* - {resource} at {value}%",
	"summary":    "📊 *Alert Summary*\n{count} VMs need attention",
	"test":       "✅ Message relay is working! Sent at {timestamp}",
	"custom":     "{message}",
}

// ErrNotFound is returned by Resolve for an unknown template name.
var ErrNotFound = errors.New("template not found")

// MissingVariableError reports a placeholder with no matching variable.
// Rendering fails closed: no blank or partial substitution.
type MissingVariableError struct {
	Key string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing variable: %s", e.Key)
}

// Store merges the built-in templates with an optional override file.
// Both layers are read fresh on every call; editing the override file
// takes effect on the next request.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a Store. path may be empty or point at a file that
// does not exist yet; the built-ins are served either way.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// All returns the merged template map, override entries winning key-by-key.
// An unreadable override file is logged and ignored.
func (s *Store) All() map[string]string {
	merged := make(map[string]string, len(Defaults))
	for name, format := range Defaults {
		merged[name] = format
	}

	if s.path == "" {
		return merged
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("error loading templates", zap.String("path", s.path), zap.Error(err))
		}
		return merged
	}

	var overrides map[string]string
	if err := json.Unmarshal(data, &overrides); err != nil {
		s.logger.Error("error parsing templates", zap.String("path", s.path), zap.Error(err))
		return merged
	}
	for name, format := range overrides {
		merged[name] = format
	}
	return merged
}

// Names returns the merged template names, sorted.
func (s *Store) Names() []string {
	all := s.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the format string for name, or ErrNotFound.
func (s *Store) Resolve(name string) (string, error) {
	if format, ok := s.All()[name]; ok {
		return format, nil
	}
	return "", ErrNotFound
}

// Render substitutes {name} placeholders in format from vars. A timestamp
// variable is injected (local time, "2006-01-02 15:04:05") when the caller
// did not supply one. Any placeholder with no matching variable returns a
// MissingVariableError; extra variables are ignored.
func Render(format string, vars map[string]any) (string, error) {
	values := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		values[k] = fmt.Sprint(v)
	}
	if _, ok := values["timestamp"]; !ok {
		values["timestamp"] = time.Now().Format("2006-01-02 15:04:05")
	}

	var b strings.Builder
	b.Grow(len(format))

	for i := 0; i < len(format); {
		open := strings.IndexByte(format[i:], '{')
		if open < 0 {
			b.WriteString(format[i:])
			break
		}
		open += i
		b.WriteString(format[i:open])

		end := strings.IndexByte(format[open:], '}')
		if end < 0 {
			// Unterminated brace: keep the rest verbatim.
			b.WriteString(format[open:])
			break
		}
		end += open

		key := format[open+1 : end]
		value, ok := values[key]
		if !ok {
			return "", &MissingVariableError{Key: key}
		}
		b.WriteString(value)
		i = end + 1
	}

	return b.String(), nil
}
