package pipeline

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// UnmarshalJSON decodes p strictly. A missing "enabled" key means enabled.
func (p *Pipeline) UnmarshalJSON(data []byte) error {
	type plain Pipeline
	v := plain{Enabled: true}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*p = Pipeline(v)
	return nil
}

// UnmarshalYAML decodes p. A missing enabled key means enabled.
func (p *Pipeline) UnmarshalYAML(value *yaml.Node) error {
	type plain Pipeline
	v := plain{Enabled: true}
	if err := value.Decode(&v); err != nil {
		return err
	}
	*p = Pipeline(v)
	return nil
}
