package recipes

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveYAML marshals obj and writes it under baseDir/subdir/filename,
// creating directories as needed. It returns the written path.
func SaveYAML(baseDir string, subdir, filename string, obj interface{}) (string, error) {
	dir := filepath.Join(baseDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recipe dir: %w", err)
	}
	payload, err := yaml.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal recipe: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write recipe: %w", err)
	}
	return path, nil
}

// LoadRecipeDict reads a recipe YAML file into a generic mapping. Phase
// execution reads top-level keys out of this shape.
func LoadRecipeDict(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}
	return ParseRecipeDict(string(raw))
}

// ParseRecipeDict parses inline recipe YAML into a generic mapping.
func ParseRecipeDict(text string) (map[string]interface{}, error) {
	var root interface{}
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return nil, fmt.Errorf("parse recipe: %w", err)
	}
	data, ok := root.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("recipe root must be a mapping")
	}
	return data, nil
}
