package model

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"meshd/internal/apperr"
)

func normalizeFormats(in []string) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		if f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// ext returns the lower-cased extension of p without the dot.
func ext(p string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(p), "."))
}

func stem(p string) string {
	b := filepath.Base(p)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

func stringInput(in Inputs, key string) (string, bool, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, apperr.Validation("%s must be a string", key)
	}
	return s, true, nil
}

// inputFile checks that key names an existing file with a supported extension.
func inputFile(in Inputs, key string, formats []string) (string, error) {
	p, ok, err := stringInput(in, key)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(p) == "" {
		return "", apperr.Validation("missing required input: %s", key)
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.NotFound("input file not found: %s", p)
		}
		return "", apperr.Validation("%s: %v", key, err)
	}
	if fi.IsDir() {
		return "", apperr.Validation("%s is a directory: %s", key, p)
	}
	if e := ext(p); !slices.Contains(formats, e) {
		return "", apperr.Validation("unsupported input format %q; supported: %s", e, strings.Join(formats, ", "))
	}
	return p, nil
}

func outputFormat(in Inputs, formats []string) (string, error) {
	s, ok, err := stringInput(in, "output_format")
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		if len(formats) == 0 {
			return "", apperr.Validation("model declares no output formats")
		}
		return formats[0], nil
	}
	s = strings.ToLower(strings.TrimPrefix(s, "."))
	if !slices.Contains(formats, s) {
		return "", apperr.Validation("unsupported output format %q; supported: %s", s, strings.Join(formats, ", "))
	}
	return s, nil
}

// numberInput accepts the numeric shapes produced by Go callers and by
// encoding/json.
func numberInput(in map[string]any, key string) (float64, bool, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, true, apperr.Validation("%s must be a number", key)
		}
		return f, true, nil
	default:
		return 0, true, apperr.Validation("%s must be a number", key)
	}
}

// intInput reads an integer without a detour through float64 when the
// value is already integral, so large values keep their exact value.
func intInput(in map[string]any, key string) (int, bool, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return intInRange(n, key)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return intInRange(i, key)
		}
	}
	f, _, err := numberInput(in, key)
	if err != nil {
		return 0, true, err
	}
	if f != math.Trunc(f) {
		return 0, true, apperr.Validation("%s must be an integer", key)
	}
	if f < math.MinInt || f >= math.MaxInt {
		return 0, true, apperr.Validation("%s is out of range", key)
	}
	return int(f), true, nil
}

func intInRange(i int64, key string) (int, bool, error) {
	if i < math.MinInt || i > math.MaxInt {
		return 0, true, apperr.Validation("%s is out of range", key)
	}
	return int(i), true, nil
}

func boolInput(in map[string]any, key string) (bool, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, apperr.Validation("%s must be a boolean", key)
	}
	return b, nil
}

func enumInput(in map[string]any, key, def string, allowed ...string) (string, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", apperr.Validation("%s must be a string", key)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !slices.Contains(allowed, s) {
		return "", apperr.Validation("invalid %s %q; must be one of: %s", key, s, strings.Join(allowed, ", "))
	}
	return s, nil
}

// outputPath places name.format under output_dir, or beside source when no
// output directory was given.
func outputPath(in Inputs, source, name string) string {
	dir, _, _ := stringInput(in, "output_dir")
	if dir == "" {
		if source != "" {
			dir = filepath.Dir(source)
		} else {
			dir = os.TempDir()
		}
	}
	f, _ := in["output_format"].(string)
	return filepath.Join(dir, name+"."+f)
}
