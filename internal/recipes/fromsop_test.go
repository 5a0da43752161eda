package recipes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"
)

const longSOP = `- Check the room booking system
- Confirm the display inputs
- Decide whether a soft or hard reset is needed
- Notify the facilities channel
- Schedule a maintenance window
- Power cycle the projector
- Reseat the HDMI feed
- Restore the default input
- Confirm the image is back
- Close the ticket`

func TestHeuristicLines(t *testing.T) {
	lines := heuristicLines(" - first\n\n• second\n* third \n")
	assert.Equal(t, []string{"first", "second", "third"}, lines)
}

func parseDoc(t *testing.T, text string) map[string]interface{} {
	t.Helper()
	var root map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(text), &root))
	return root
}

func phaseFirstValues(t *testing.T, doc map[string]interface{}, phase, key string) []string {
	t.Helper()
	items, ok := doc[phase].([]interface{})
	require.True(t, ok, "phase %s must be a sequence", phase)
	var out []string
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		require.True(t, ok)
		out = append(out, m[key].(string))
	}
	return out
}

func TestHeuristicRecipeYAMLSlicing(t *testing.T) {
	yml, err := HeuristicRecipeYAML(longSOP, "Projector SOP")
	require.NoError(t, err)
	doc := parseDoc(t, yml)

	assert.Equal(t, "Projector SOP", doc["name"])

	intake := phaseFirstValues(t, doc, "intake", "gather")
	assert.Equal(t, []string{
		"Check the room booking system",
		"Confirm the display inputs",
	}, intake)

	plan := phaseFirstValues(t, doc, "plan", "step")
	assert.Len(t, plan, 3)
	assert.Equal(t, "Decide whether a soft or hard reset is needed", plan[0])

	act := phaseFirstValues(t, doc, "act", "action")
	assert.Equal(t, []string{
		"Power cycle the projector",
		"Reseat the HDMI feed",
		"Restore the default input",
	}, act)

	verify := phaseFirstValues(t, doc, "verify", "check")
	assert.Equal(t, []string{
		"Confirm the image is back",
		"Close the ticket",
	}, verify)
}

func TestHeuristicRecipeYAMLFallbacks(t *testing.T) {
	yml, err := HeuristicRecipeYAML("Only one line here", "Short")
	require.NoError(t, err)
	doc := parseDoc(t, yml)

	assert.Equal(t, []string{"Only one line here"}, phaseFirstValues(t, doc, "intake", "gather"))
	assert.Equal(t, []string{"Plan action"}, phaseFirstValues(t, doc, "plan", "step"))
	assert.Equal(t, []string{"Execute action"}, phaseFirstValues(t, doc, "act", "action"))
	assert.Equal(t, []string{"Verify outcome"}, phaseFirstValues(t, doc, "verify", "check"))
}

func TestHeuristicRecipeYAMLDescriptionTruncated(t *testing.T) {
	sop := strings.Repeat("x", 300)
	yml, err := HeuristicRecipeYAML(sop, "Long")
	require.NoError(t, err)
	doc := parseDoc(t, yml)
	assert.Len(t, doc["description"].(string), 140)
}

func TestSOPToRecipeYAMLDefaultsName(t *testing.T) {
	ok, yml := SOPToRecipeYAML("do the thing", "")
	require.True(t, ok)
	doc := parseDoc(t, yml)
	assert.Equal(t, "Generated Recipe", doc["name"])

	valid, msg := ValidateYAMLText(yml)
	assert.True(t, valid, msg)
}
