package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	assert.Equal(t, "hdmi-lock-recovery", Slugify("HDMI Lock Recovery"))
	assert.Equal(t, "room-b12-reset", Slugify("  Room B12 — Reset!  "))
	assert.Equal(t, "a-b", Slugify("a---b"))
	assert.Equal(t, "", Slugify("***"))
}

func TestStepEffectiveKind(t *testing.T) {
	assert.Equal(t, StepCall, Step{ID: "x"}.EffectiveKind())
	assert.Equal(t, StepVerify, Step{ID: "x", Kind: StepVerify}.EffectiveKind())
}
