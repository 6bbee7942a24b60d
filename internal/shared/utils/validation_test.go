package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/scenehost/internal/shared/id"
)

func TestValidateInstanceID(t *testing.T) {
	assert.NoError(t, ValidateInstanceID(id.NewInstanceID().String()))

	for _, bad := range []string{"", "plg_", "plg_nope", id.NewChannelID().String(), "plg_../../etc"} {
		assert.Error(t, ValidateInstanceID(bad), bad)
	}
}

func TestValidateTreeName(t *testing.T) {
	assert.NoError(t, ValidateTreeName("scene"))
	assert.NoError(t, ValidateTreeName("layer_styles-2"))
	assert.Error(t, ValidateTreeName(""))
	assert.Error(t, ValidateTreeName("a/b"))
	assert.Error(t, ValidateTreeName(strings.Repeat("a", MaxTreeNameLength+1)))
}

func TestValidateEventType(t *testing.T) {
	for _, ok := range []string{"select", "pluginmessage", "camera-move", "layer_edit"} {
		assert.NoError(t, ValidateEventType(ok), ok)
	}
	for _, bad := range []string{"", "Select", "1click", "a b", "x\x00"} {
		assert.Error(t, ValidateEventType(bad), bad)
	}
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, ValidatePayload(map[string]any{"a": []any{1.0, "b", nil}}))
	assert.NoError(t, ValidatePayload(nil))

	big := strings.Repeat("x", MaxMessageSize+1)
	assert.ErrorContains(t, ValidatePayload(big), "exceeds maximum")

	var deep any = 1.0
	for i := 0; i < MaxJSONDepth+2; i++ {
		deep = []any{deep}
	}
	assert.ErrorContains(t, ValidatePayload(deep), "nesting depth")

	assert.Error(t, ValidatePayload(func() {}))
}

func TestValidateString(t *testing.T) {
	assert.NoError(t, ValidateString("", "name", 1, 10, false))
	assert.Error(t, ValidateString("", "name", 1, 10, true))
	assert.Error(t, ValidateString("toolongvalue", "name", 1, 10, true))
	assert.Error(t, ValidateString("a\x00", "name", 1, 10, true))
}
