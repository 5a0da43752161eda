package recipes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const validRecipe = `
name: Projector reset
description: Reset the room 4 projector
intake:
  - gather: room state
plan:
  - step: pick reset path
act:
  - action: power cycle
verify:
  - check: image restored
`

func TestValidateYAMLText(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		ok, msg := ValidateYAMLText(validRecipe)
		assert.True(t, ok)
		assert.Equal(t, "ok", msg)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		ok, msg := ValidateYAMLText("name: [unclosed")
		assert.False(t, ok)
		assert.Contains(t, msg, "Invalid YAML")
	})

	t.Run("sequence root", func(t *testing.T) {
		ok, msg := ValidateYAMLText("- just\n- a\n- list\n")
		assert.False(t, ok)
		assert.Equal(t, "YAML root must be a mapping", msg)
	})

	t.Run("scalar root", func(t *testing.T) {
		ok, msg := ValidateYAMLText("hello")
		assert.False(t, ok)
		assert.Equal(t, "YAML root must be a mapping", msg)
	})

	t.Run("missing keys reported in order", func(t *testing.T) {
		ok, msg := ValidateYAMLText("description: x\nintake: []\nplan: []\nact: []\nverify: []\n")
		assert.False(t, ok)
		assert.Equal(t, "Missing key: name", msg)

		ok, msg = ValidateYAMLText("name: x\ndescription: y\nintake: []\nplan: []\nact: []\n")
		assert.False(t, ok)
		assert.Equal(t, "Missing key: verify", msg)
	})

	t.Run("extra keys are fine", func(t *testing.T) {
		ok, _ := ValidateYAMLText(validRecipe + "learn:\n  kb_publish: true\n")
		assert.True(t, ok)
	})
}
