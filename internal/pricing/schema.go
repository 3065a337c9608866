package pricing

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const settingsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["key", "value"],
    "additionalProperties": false,
    "properties": {
      "key":   {"type": "string", "minLength": 1, "maxLength": 64},
      "value": {"type": ["number", "string"], "pattern": "^-?[0-9]+(\\.[0-9]+)?$"}
    }
  }
}`

var compiledSettings = jsonschema.MustCompileString("https://broker.local/schemas/price-settings.json", settingsSchema)

// ParseSettings checks a raw settings document against the settings schema
// and decodes it.
func ParseSettings(raw json.RawMessage) ([]Setting, error) {
	if len(raw) == 0 {
		return nil, &InvalidSettingError{Reason: "settings are required"}
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &InvalidSettingError{Reason: fmt.Sprintf("settings are not valid JSON: %v", err)}
	}
	if err := compiledSettings.Validate(doc); err != nil {
		return nil, &InvalidSettingError{Reason: err.Error()}
	}

	var settings []Setting
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, &InvalidSettingError{Reason: err.Error()}
	}
	return settings, nil
}
