package planner

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Presets maps a style preset name to its visual tokens.
type Presets map[string][]string

// DefaultPresets are always available; a presets file may add to or override them.
func DefaultPresets() Presets {
	return Presets{
		"cinematic": {
			"cinematic composition",
			"natural skin tones",
			"high dynamic range lighting",
			"coherent facial anatomy",
		},
		"performance": {
			"energetic performance framing",
			"stage-like confidence",
			"dynamic camera movement",
			"strong visual rhythm",
		},
		"abstract": {
			"stylized visual poetry",
			"bold color contrast",
			"symbolic scene design",
			"surreal but coherent motion",
		},
		"brand-promo": {
			"commercial-grade polish",
			"clean premium aesthetic",
			"product storytelling energy",
			"ad-ready lighting",
		},
	}
}

type presetsFile struct {
	Presets map[string][]string `yaml:"presets"`
}

// LoadPresets reads a YAML file of the form
//
//	presets:
//	  neon-noir:
//	    - rain-slick reflections
//	    - magenta rim light
//
// and returns the defaults overlaid with its entries. An empty path returns the defaults.
func LoadPresets(path string) (Presets, error) {
	presets := DefaultPresets()
	if path == "" {
		return presets, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style presets: %w", err)
	}
	var file presetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse style presets %s: %w", path, err)
	}
	for name, tokens := range file.Presets {
		name = strings.TrimSpace(name)
		cleaned := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			if tok = strings.TrimSpace(tok); tok != "" {
				cleaned = append(cleaned, tok)
			}
		}
		if name == "" || len(cleaned) == 0 {
			return nil, fmt.Errorf("style preset %q in %s has no tokens", name, path)
		}
		presets[name] = cleaned
	}
	return presets, nil
}

// Names returns the preset names in sorted order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
