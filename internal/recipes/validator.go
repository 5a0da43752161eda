// Package recipes contains the recipe codec, validation, and the SOP
// compiler that turns free-text procedures into executable bundles.
package recipes

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RequiredKeys are the top-level keys every stored recipe must carry.
var RequiredKeys = []string{"name", "description", "intake", "plan", "act", "verify"}

// ValidateYAMLText checks that text parses as YAML and that the root mapping
// contains every required key. Malformed input is reported as a message,
// never as a panic or an error value.
func ValidateYAMLText(text string) (bool, string) {
	var root interface{}
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return false, fmt.Sprintf("Invalid YAML: %v", err)
	}
	data, ok := root.(map[string]interface{})
	if !ok {
		return false, "YAML root must be a mapping"
	}
	for _, k := range RequiredKeys {
		if _, ok := data[k]; !ok {
			return false, fmt.Sprintf("Missing key: %s", k)
		}
	}
	return true, "ok"
}
