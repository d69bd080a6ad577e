// internal/payload/yaml.go
package payload

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML lets pack content decode criteria patterns and parameter
// templates straight into Values.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decoding yaml value: %w", err)
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML emits the plain Go form.
func (v Value) MarshalYAML() (any, error) {
	return v.ToAny(), nil
}
