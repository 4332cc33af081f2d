package registry

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// UnmarshalJSON decodes c strictly. A missing "enabled" key means enabled.
func (c *AlgorithmConfig) UnmarshalJSON(data []byte) error {
	type plain AlgorithmConfig
	p := plain{Enabled: true}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*c = AlgorithmConfig(p)
	return nil
}

// UnmarshalYAML decodes c. A missing enabled key means enabled.
func (c *AlgorithmConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain AlgorithmConfig
	p := plain{Enabled: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = AlgorithmConfig(p)
	return nil
}
