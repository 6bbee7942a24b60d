package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/GriffinCanCode/scenehost/internal/shared/id"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

// Size limits (in bytes)
const (
	MaxJSONSize    = 1 * 1024 * 1024 // Request bodies
	MaxMessageSize = 256 * 1024      // One message or event payload
	MaxJSONDepth   = 32
)

// String length limits
const (
	MaxIDLength        = 128
	MaxTreeNameLength  = 64
	MaxEventTypeLength = 64
)

var (
	// SafeIDPattern allows alphanumeric, hyphens, underscores
	SafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// EventTypePattern matches DOM-style event names such as pluginmessage or rectselectstart
	EventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateID validates an ID field
func ValidateID(value, fieldName string, required bool) error {
	if err := ValidateString(value, fieldName, 1, MaxIDLength, required); err != nil {
		return err
	}

	if value != "" && !SafeIDPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", fieldName)
	}

	return nil
}

// ValidateInstanceID checks a plg_<ulid> instance id.
func ValidateInstanceID(value string) error {
	if err := ValidateID(value, "instance_id", true); err != nil {
		return err
	}
	if !id.IsValidPrefixed(value, id.InstancePrefix) {
		return fmt.Errorf("instance_id %q is not a plugin instance id", value)
	}
	return nil
}

// ValidateTreeName checks a property tree name.
func ValidateTreeName(name string) error {
	if err := ValidateString(name, "tree", 1, MaxTreeNameLength, true); err != nil {
		return err
	}
	if !SafeIDPattern.MatchString(name) {
		return fmt.Errorf("tree contains invalid characters (only alphanumeric, hyphens, and underscores allowed)")
	}
	return nil
}

// ValidateEventType checks an event name dispatched to plugins.
func ValidateEventType(t string) error {
	if err := ValidateString(t, "type", 1, MaxEventTypeLength, true); err != nil {
		return err
	}
	if !EventTypePattern.MatchString(t) {
		return fmt.Errorf("type %q must be lowercase letters, digits, hyphens or underscores", t)
	}
	return nil
}

// ValidatePayload checks the encoded size and nesting depth of a message payload.
func ValidatePayload(v any) error {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return fmt.Errorf("payload is not JSON-serializable: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("payload size %d bytes exceeds maximum %d bytes", len(data), MaxMessageSize)
	}
	return ValidateJSONDepth(v, MaxJSONDepth)
}

// ValidateJSONDepth checks if JSON nesting depth is within limits
func ValidateJSONDepth(data any, maxDepth int) error {
	return checkDepth(data, 0, maxDepth)
}

func checkDepth(data any, currentDepth int, maxDepth int) error {
	if currentDepth > maxDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds maximum %d", currentDepth, maxDepth)
	}

	switch v := data.(type) {
	case map[string]any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	case []any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	}

	return nil
}
