// Package merge provides the content-level merge primitives used when a
// template file lands on top of an existing file.
//
// All functions are pure: they take the existing content and the (already
// substituted) template content and return the merged content. On every
// scalar collision the template value wins; where both sides hold a nested
// object the merge continues recursively.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Markers recognized by MergeReadme, in lookup order.
const (
	ReadmeCommentMarker = "<!-- TEMPLATE_SECTIONS -->"
	ReadmeHeadingMarker = "## Template Sections"
)

// PackageJSONSections are the package.json keys merged entry by entry.
var PackageJSONSections = []string{"dependencies", "devDependencies", "peerDependencies", "scripts"}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Substitute replaces {{name}} tokens with variables[name]. Unknown tokens are left intact.
func Substitute(content string, variables map[string]string) string {
	if len(variables) == 0 {
		return content
	}
	return placeholder.ReplaceAllStringFunc(content, func(token string) string {
		name := placeholder.FindStringSubmatch(token)[1]
		if v, ok := variables[name]; ok {
			return v
		}
		return token
	})
}

// Placeholders returns the distinct variable names referenced by content, sorted.
func Placeholders(content string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// DeepMerge merges src into dst and returns a new map. Neither input is modified.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		existing, ok := out[k].(map[string]any)
		incoming, ok2 := v.(map[string]any)
		if ok && ok2 {
			out[k] = DeepMerge(existing, incoming)
			continue
		}
		out[k] = v
	}
	return out
}

// MergeJSON deep-merges two JSON objects. Empty existing content counts as {}.
func MergeJSON(existing, template []byte) ([]byte, error) {
	base, err := decodeJSONObject(existing)
	if err != nil {
		return nil, fmt.Errorf("existing content: %w", err)
	}
	incoming, err := decodeJSONObject(template)
	if err != nil {
		return nil, fmt.Errorf("template content: %w", err)
	}
	return encodeJSON(DeepMerge(base, incoming))
}

// MergePackageJSON merges the dependency and script sections of two
// package.json documents. Every key overwritten with a different value is
// reported as a soft conflict; the merge still succeeds. Other top-level
// keys keep the existing value and are only taken from the template when
// the existing document lacks them.
func MergePackageJSON(existing, template []byte) ([]byte, []string, error) {
	base, err := decodeJSONObject(existing)
	if err != nil {
		return nil, nil, fmt.Errorf("existing package.json: %w", err)
	}
	incoming, err := decodeJSONObject(template)
	if err != nil {
		return nil, nil, fmt.Errorf("template package.json: %w", err)
	}

	out := make(map[string]any, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}

	var conflicts []string
	isSection := make(map[string]bool, len(PackageJSONSections))
	for _, section := range PackageJSONSections {
		isSection[section] = true
		tpl, ok := incoming[section].(map[string]any)
		if !ok {
			continue
		}
		cur, _ := base[section].(map[string]any)
		merged := make(map[string]any, len(cur)+len(tpl))
		for k, v := range cur {
			merged[k] = v
		}
		for _, k := range sortedKeys(tpl) {
			if old, exists := cur[k]; exists && !reflect.DeepEqual(old, tpl[k]) {
				conflicts = append(conflicts, fmt.Sprintf("%s.%s: %v -> %v", section, k, old, tpl[k]))
			}
			merged[k] = tpl[k]
		}
		out[section] = merged
	}

	for k, v := range incoming {
		if isSection[k] {
			continue
		}
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}

	data, err := encodeJSON(out)
	if err != nil {
		return nil, nil, err
	}
	return data, conflicts, nil
}

// MergeYAML deep-merges two YAML mappings. Comments and key order are not preserved.
func MergeYAML(existing, template []byte) ([]byte, error) {
	base := map[string]any{}
	if len(bytes.TrimSpace(existing)) > 0 {
		if err := yaml.Unmarshal(existing, &base); err != nil {
			return nil, fmt.Errorf("existing content: %w", err)
		}
	}
	incoming := map[string]any{}
	if len(bytes.TrimSpace(template)) > 0 {
		if err := yaml.Unmarshal(template, &incoming); err != nil {
			return nil, fmt.Errorf("template content: %w", err)
		}
	}
	return yaml.Marshal(DeepMerge(base, incoming))
}

// MergeTOML deep-merges two TOML documents.
func MergeTOML(existing, template []byte) ([]byte, error) {
	base := map[string]any{}
	if len(bytes.TrimSpace(existing)) > 0 {
		if err := toml.Unmarshal(existing, &base); err != nil {
			return nil, fmt.Errorf("existing content: %w", err)
		}
	}
	incoming := map[string]any{}
	if len(bytes.TrimSpace(template)) > 0 {
		if err := toml.Unmarshal(template, &incoming); err != nil {
			return nil, fmt.Errorf("template content: %w", err)
		}
	}
	return toml.Marshal(DeepMerge(base, incoming))
}

// MergeLines returns the sorted union of the non-blank lines of both inputs,
// newline-terminated. The operation is commutative and idempotent.
func MergeLines(existing, template string) string {
	seen := make(map[string]struct{})
	for _, content := range []string{existing, template} {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimRight(line, " \t\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			seen[line] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return ""
	}
	lines := make([]string, 0, len(seen))
	for line := range seen {
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

// MergeReadme inserts the template content after a template-sections marker
// when the existing document has one, and otherwise appends it under a new
// "## Template Sections" heading. Content already present is not inserted twice.
func MergeReadme(existing, template string) string {
	section := strings.TrimSpace(template)
	if section == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return section + "\n"
	}
	if strings.Contains(existing, section) {
		return existing
	}

	for _, marker := range []string{ReadmeCommentMarker, ReadmeHeadingMarker} {
		idx := strings.Index(existing, marker)
		if idx < 0 {
			continue
		}
		end := idx + len(marker)
		if nl := strings.IndexByte(existing[end:], '\n'); nl >= 0 {
			end += nl
		} else {
			end = len(existing)
		}
		head := existing[:end]
		tail := strings.TrimLeft(existing[end:], "\n")
		out := head + "\n\n" + section + "\n"
		if tail != "" {
			out += "\n" + tail
		}
		return ensureNewline(out)
	}

	return strings.TrimRight(existing, "\n") + "\n\n" + ReadmeHeadingMarker + "\n\n" + section + "\n"
}

// Append concatenates existing and template content separated by a blank line.
func Append(existing, template string) string {
	if existing == "" {
		return template
	}
	return strings.TrimRight(existing, "\n") + "\n\n" + template
}

func decodeJSONObject(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", v)
	}
	return obj, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
