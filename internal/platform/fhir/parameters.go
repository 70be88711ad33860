package fhir

import "encoding/json"

// Parameters is the FHIR Parameters resource used as operation input/output.
type Parameters struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id,omitempty"`
	Parameter    []ParametersParameter `json:"parameter,omitempty"`
}

// ParametersParameter is one named parameter. Only the value[x] types this
// server reads are declared.
type ParametersParameter struct {
	Name           string                `json:"name"`
	ValueString    *string               `json:"valueString,omitempty"`
	ValueCode      *string               `json:"valueCode,omitempty"`
	ValueBoolean   *bool                 `json:"valueBoolean,omitempty"`
	ValueInteger   *int                  `json:"valueInteger,omitempty"`
	ValueDateTime  *Instant              `json:"valueDateTime,omitempty"`
	ValueInstant   *Instant              `json:"valueInstant,omitempty"`
	ValueReference *Reference            `json:"valueReference,omitempty"`
	Resource       json.RawMessage       `json:"resource,omitempty"`
	Part           []ParametersParameter `json:"part,omitempty"`
}

// Get returns the first parameter with the given name.
func (p *Parameters) Get(name string) (*ParametersParameter, bool) {
	for i := range p.Parameter {
		if p.Parameter[i].Name == name {
			return &p.Parameter[i], true
		}
	}
	return nil, false
}

// All returns every parameter with the given name.
func (p *Parameters) All(name string) []ParametersParameter {
	var out []ParametersParameter
	for _, param := range p.Parameter {
		if param.Name == name {
			out = append(out, param)
		}
	}
	return out
}

// PartNamed returns the first part with the given name.
func (pp *ParametersParameter) PartNamed(name string) (*ParametersParameter, bool) {
	for i := range pp.Part {
		if pp.Part[i].Name == name {
			return &pp.Part[i], true
		}
	}
	return nil, false
}

// DateTimeValue returns the valueDateTime or valueInstant of the parameter.
func (pp *ParametersParameter) DateTimeValue() *Instant {
	if pp.ValueDateTime != nil {
		return pp.ValueDateTime
	}
	return pp.ValueInstant
}

// StringValue returns valueString or valueCode.
func (pp *ParametersParameter) StringValue() (string, bool) {
	switch {
	case pp.ValueString != nil:
		return *pp.ValueString, true
	case pp.ValueCode != nil:
		return *pp.ValueCode, true
	}
	return "", false
}

// JSONValue returns the value[x] of the parameter as a plain JSON value,
// ready to be written into a resource document.
func (pp *ParametersParameter) JSONValue() (any, bool) {
	switch {
	case pp.ValueReference != nil:
		ref := map[string]any{}
		if pp.ValueReference.Reference != "" {
			ref["reference"] = pp.ValueReference.Reference
		}
		if pp.ValueReference.Type != "" {
			ref["type"] = pp.ValueReference.Type
		}
		if pp.ValueReference.Display != "" {
			ref["display"] = pp.ValueReference.Display
		}
		return ref, true
	case pp.ValueDateTime != nil:
		return pp.ValueDateTime.Raw, true
	case pp.ValueInstant != nil:
		return pp.ValueInstant.Raw, true
	case pp.ValueString != nil:
		return *pp.ValueString, true
	case pp.ValueCode != nil:
		return *pp.ValueCode, true
	case pp.ValueBoolean != nil:
		return *pp.ValueBoolean, true
	case pp.ValueInteger != nil:
		return *pp.ValueInteger, true
	}
	return nil, false
}
