package recipes

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// heuristicLines splits SOP prose into trimmed non-empty lines, stripping
// common bullet prefixes.
func heuristicLines(sop string) []string {
	var out []string
	for _, line := range strings.Split(sop, "\n") {
		l := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•* "))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func sliceOrDefault(lines []string, lo, hi int, key, fallback string) []map[string]string {
	if lo > len(lines) {
		lo = len(lines)
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	var out []map[string]string
	for _, l := range lines[lo:hi] {
		out = append(out, map[string]string{key: l})
	}
	if len(out) == 0 {
		out = append(out, map[string]string{key: fallback})
	}
	return out
}

// HeuristicRecipeYAML derives a flat recipe document from SOP text by
// positional slicing: the first two non-empty lines feed intake, the next
// three plan, the next three act, and the final two verify. Each bucket
// falls back to a stock entry when the SOP is too short.
func HeuristicRecipeYAML(sop, nameHint string) (string, error) {
	lines := heuristicLines(sop)
	desc := sop
	if len(desc) > 140 {
		desc = desc[:140]
	}
	if desc == "" {
		desc = "Generated"
	}
	doc := yamlDoc{
		Name:        nameHint,
		Description: desc,
		Intake:      sliceOrDefault(lines, 0, 2, "gather", "context"),
		Plan:        sliceOrDefault(lines, 2, 5, "step", "Plan action"),
		Act:         sliceOrDefault(lines, 5, 8, "action", "Execute action"),
		Verify:      sliceOrDefault(lines, 8, 10, "check", "Verify outcome"),
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type yamlDoc struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Intake      []map[string]string `yaml:"intake"`
	Plan        []map[string]string `yaml:"plan"`
	Act         []map[string]string `yaml:"act"`
	Verify      []map[string]string `yaml:"verify"`
}

// SOPToRecipeYAML converts SOP prose into recipe YAML. Richer extraction
// (model-assisted parsing) plugs in ahead of the heuristic; offline the
// heuristic is the contract.
func SOPToRecipeYAML(sop, nameHint string) (bool, string) {
	if nameHint == "" {
		nameHint = "Generated Recipe"
	}
	yml, err := HeuristicRecipeYAML(sop, nameHint)
	if err != nil {
		return false, err.Error()
	}
	return true, yml
}
