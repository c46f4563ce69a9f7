package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/wardgate/wardgate/api"
)

// Validate parses a policy document and returns every structural problem it
// finds instead of stopping at the first one.
func Validate(source string) api.ValidationResult {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(source), &raw); err != nil {
		return api.ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("policy is not valid YAML: %v", err)}}
	}
	if raw == nil {
		return api.ValidationResult{Valid: false, Errors: []string{"policy must be a YAML mapping"}}
	}

	var errs []string

	if name, _ := raw["name"].(string); name == "" {
		errs = append(errs, "policy name is required")
	}

	global, _ := raw["global"].(map[string]any)
	if action, _ := global["default_action"].(string); action == "" {
		errs = append(errs, "global.default_action is required")
	}

	domains, ok := raw["domains"].(map[string]any)
	if !ok || !isSequence(domains["allowed"]) || !isSequence(domains["denied"]) {
		errs = append(errs, "domains.allowed and domains.denied must be arrays")
	}

	secrets, ok := raw["secrets"].(map[string]any)
	if !ok || !isSequence(secrets["patterns"]) {
		errs = append(errs, "secrets.patterns must be an array")
	}

	return api.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

func isSequence(v any) bool {
	if v == nil {
		return false
	}
	_, ok := v.([]any)
	return ok
}

// LoadDir reads and validates every YAML policy file in dir. A single invalid
// file fails the whole load: partial policy sets are never accepted.
func LoadDir(dir string) ([]*Loaded, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating policies directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading policies directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isYAML(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loaded := make([]*Loaded, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy file %s: %w", path, err)
		}

		l, err := LoadBytes(data)
		if err != nil {
			return nil, fmt.Errorf("invalid policy at %s: %w", path, err)
		}
		l.FilePath = path
		loaded = append(loaded, l)
	}

	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Priority < loaded[j].Priority })
	return loaded, nil
}

// LoadBytes parses and validates a single policy document.
func LoadBytes(data []byte) (*Loaded, error) {
	if v := Validate(string(data)); !v.Valid {
		return nil, fmt.Errorf("%s", strings.Join(v.Errors, "; "))
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	priority := defaultPriority
	if doc.Priority != nil {
		priority = *doc.Priority
	}

	return &Loaded{
		ID:       uuid.NewString(),
		Priority: priority,
		Content:  string(data),
		Document: &doc,
	}, nil
}
