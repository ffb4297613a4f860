package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// ErrMissingEnv is returned when a ${VAR:?message} reference names an unset
// variable.
var ErrMissingEnv = errors.New("required environment variable not set")

// LoadRaw reads a config file into a raw map.
//
// $include names one or more files (glob patterns allowed) relative to the
// including file. They are merged in order, then the including file is merged
// on top. A null value in an including file removes the key it overrides, so
// an environment overlay can drop a provider declared by a shared base file.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &rawLoader{}
	return l.load(path)
}

// rawLoader walks an include tree. chain is the current include path, used
// for cycle detection and error messages.
type rawLoader struct {
	chain []string
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range l.chain {
		if p == abs {
			return nil, fmt.Errorf("config include cycle: %s", l.describe(abs))
		}
	}
	l.chain = append(l.chain, abs)
	defer func() { l.chain = l.chain[:len(l.chain)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}
	doc, err := parseDocument([]byte(expanded), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}

	patterns, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}
	base := map[string]any{}
	for _, pattern := range patterns {
		files, err := resolveInclude(filepath.Dir(abs), pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
		}
		for _, file := range files {
			included, err := l.load(file)
			if err != nil {
				return nil, err
			}
			base = overlay(base, included)
		}
	}
	return overlay(base, doc), nil
}

func (l *rawLoader) describe(repeat string) string {
	names := make([]string, 0, len(l.chain)+1)
	for _, p := range l.chain {
		names = append(names, filepath.Base(p))
	}
	return strings.Join(append(names, filepath.Base(repeat)), " -> ")
}

// resolveInclude expands a pattern relative to dir. A pattern without glob
// metacharacters must name an existing file; a glob may match nothing.
func resolveInclude(dir, pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("$include %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// expandEnv substitutes ${VAR} references:
//
//	${VAR}          value of VAR, empty when unset
//	${VAR:-value}   value when VAR is unset or empty
//	${VAR:?message} load fails when VAR is unset or empty
//
// Bare $VAR is left alone so keys like $include survive. Every missing
// required variable is reported at once.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		if value := os.Getenv(name); value != "" {
			return value
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				missing = append(missing, name)
			} else {
				missing = append(missing, name+" ("+arg+")")
			}
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return out, nil
}

// parseDocument decodes a single YAML document, or JSON5 for .json and
// .json5 files.
func parseDocument(data []byte, path string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("config must be a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes $include from doc and returns its patterns.
func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		patterns := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New("$include entries must be strings")
			}
			patterns = append(patterns, s)
		}
		return patterns, nil
	default:
		return nil, errors.New("$include must be a string or a list of strings")
	}
}

// overlay merges top onto base recursively. Maps merge, a nil value deletes
// the key, anything else replaces.
func overlay(base, top map[string]any) map[string]any {
	for key, value := range top {
		if value == nil {
			delete(base, key)
			continue
		}
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := base[key].(map[string]any); ok {
				base[key] = overlay(existing, sub)
				continue
			}
			base[key] = overlay(map[string]any{}, sub)
			continue
		}
		base[key] = value
	}
	return base
}

// decodeRawConfig re-encodes the merged map and decodes it strictly, so
// unknown keys are errors.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
