package shifttools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Seed is the initial content of a MemoryStore.
type Seed struct {
	Published bool                    `json:"published" yaml:"published"`
	Members   []Member                `json:"members" yaml:"members"`
	Rules     []Rule                  `json:"rules" yaml:"rules"`
	Schedule  map[string][]Assignment `json:"schedule" yaml:"schedule"`
}

// LoadSeed reads a seed from a JSON or YAML file
func LoadSeed(path string) (Seed, error) {
	var seed Seed
	if path == "" {
		return seed, fmt.Errorf("seed file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("failed to read seed file: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &seed); err != nil {
			return seed, fmt.Errorf("failed to parse JSON seed: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return seed, fmt.Errorf("failed to parse YAML seed: %w", err)
		}
	default:
		return seed, fmt.Errorf("unsupported seed file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	for date := range seed.Schedule {
		if _, err := parseDate(date); err != nil {
			return seed, fmt.Errorf("invalid schedule date %q: %w", date, err)
		}
	}
	return seed, nil
}
