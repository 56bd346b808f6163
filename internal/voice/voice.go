// Package voice manages speech style vectors and blend expressions.
package voice

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Component is one weighted voice in a blend expression.
type Component struct {
	Name   string
	Weight float64
}

// ParseBlend parses a style expression. A plain voice name yields one
// component with weight 1. Blends use "name.N" terms joined by '+',
// where N is tenths: "af_sarah.4+af_nicole.6" mixes 0.4 and 0.6.
func ParseBlend(style string) ([]Component, error) {
	style = strings.TrimSpace(style)
	if style == "" {
		return nil, fmt.Errorf("empty voice style")
	}
	if !strings.Contains(style, "+") {
		if name, portion, ok := splitPortion(style); ok {
			return []Component{{Name: name, Weight: portion}}, nil
		}
		return []Component{{Name: style, Weight: 1}}, nil
	}

	var components []Component
	for _, term := range strings.Split(style, "+") {
		term = strings.TrimSpace(term)
		name, portion, ok := splitPortion(term)
		if !ok {
			return nil, fmt.Errorf("blend term %q must look like name.N", term)
		}
		components = append(components, Component{Name: name, Weight: portion})
	}
	return components, nil
}

func splitPortion(term string) (string, float64, bool) {
	idx := strings.LastIndex(term, ".")
	if idx <= 0 || idx == len(term)-1 {
		return "", 0, false
	}
	digits := term[idx+1:]
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return term[:idx], float64(n) / 10.0, true
}

// Registry holds named style vectors loaded from a voices file.
type Registry struct {
	styles map[string][]float32
}

// Load reads a JSON voices file mapping voice name to style vector.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voices file: %w", err)
	}
	var styles map[string][]float32
	if err := json.Unmarshal(data, &styles); err != nil {
		return nil, fmt.Errorf("parse voices file: %w", err)
	}
	if len(styles) == 0 {
		return nil, fmt.Errorf("voices file %s holds no styles", path)
	}
	return &Registry{styles: styles}, nil
}

// Names lists known voices in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.styles))
	for name := range r.styles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a voice name is known.
func (r *Registry) Has(name string) bool {
	_, ok := r.styles[name]
	return ok
}

// Mix resolves a style expression against the registry, blending
// weighted components into a single style vector.
func (r *Registry) Mix(style string) ([]float32, error) {
	components, err := ParseBlend(style)
	if err != nil {
		return nil, err
	}

	var blended []float32
	for _, c := range components {
		vec, ok := r.styles[c.Name]
		if !ok {
			return nil, fmt.Errorf("unknown voice %q", c.Name)
		}
		if blended == nil {
			blended = make([]float32, len(vec))
		}
		if len(vec) != len(blended) {
			return nil, fmt.Errorf("voice %q has dimension %d, want %d", c.Name, len(vec), len(blended))
		}
		for i, v := range vec {
			blended[i] += v * float32(c.Weight)
		}
	}
	return blended, nil
}
