// Package render materializes service configuration files from templates
// and substitution maps. Templates use ${key} references, matching the
// references instances use between their own configuration values.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileRenderer writes substituted templates to disk. It satisfies the
// engine's ConfigRenderer interface.
type FileRenderer struct {
	// Strict makes unresolved ${key} references an error instead of
	// leaving them in the output.
	Strict bool
}

// Render substitutes subs into template and writes the result to
// destPath, creating parent directories as needed. Returns destPath.
func (r *FileRenderer) Render(template string, subs map[string]string, destPath string) (string, error) {
	out, missing := Expand(template, subs)
	if r.Strict && len(missing) > 0 {
		return "", fmt.Errorf("unresolved references in template: %s", strings.Join(missing, ", "))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(destPath, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return destPath, nil
}

// RenderFile reads a template from templatePath and renders it to destPath.
func (r *FileRenderer) RenderFile(templatePath string, subs map[string]string, destPath string) (string, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("reading template: %w", err)
	}
	return r.Render(string(data), subs, destPath)
}

// Expand replaces every ${key} reference in s with its value from subs
// and returns the expanded string plus the list of unresolved keys.
// Unresolved references are left intact.
func Expand(s string, subs map[string]string) (string, []string) {
	var out strings.Builder
	var missing []string

	for {
		start := strings.Index(s, "${")
		if start < 0 {
			out.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			out.WriteString(s)
			break
		}
		end += start

		out.WriteString(s[:start])
		key := s[start+2 : end]
		if v, ok := subs[key]; ok {
			out.WriteString(v)
		} else {
			out.WriteString(s[start : end+1])
			missing = append(missing, key)
		}
		s = s[end+1:]
	}

	return out.String(), missing
}

// Properties renders a Java-style properties file body from a flat map,
// with keys sorted for deterministic output.
func Properties(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}
	return b.String()
}
