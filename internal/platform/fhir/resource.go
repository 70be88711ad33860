package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding of the concept, or an empty Coding.
func (c CodeableConcept) FirstCoding() Coding {
	if len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Period struct {
	Start *Instant `json:"start,omitempty"`
	End   *Instant `json:"end,omitempty"`
}

// Extension keeps value[x] types it does not declare (valueCoding,
// nested extensions, ...) so they survive a decode/encode cycle.
type Extension struct {
	URL            string     `json:"url"`
	ValueString    string     `json:"valueString,omitempty"`
	ValueCode      string     `json:"valueCode,omitempty"`
	ValueBoolean   *bool      `json:"valueBoolean,omitempty"`
	ValueInteger   *int       `json:"valueInteger,omitempty"`
	ValueReference *Reference `json:"valueReference,omitempty"`

	extras Extras
}

type extensionAlias Extension

func (e Extension) MarshalJSON() ([]byte, error) {
	return MarshalWithExtras(extensionAlias(e), e.extras)
}

func (e *Extension) UnmarshalJSON(data []byte) error {
	var alias extensionAlias
	extras, err := UnmarshalWithExtras(data, &alias)
	if err != nil {
		return err
	}
	*e = Extension(alias)
	e.extras = extras
	return nil
}

// ParseReference splits a literal reference into its resource type and id.
// Relative ("Slot/1"), absolute ("http://host/fhir/Slot/1") and versioned
// ("Slot/1/_history/2") forms are accepted. A bare id yields an empty type.
func ParseReference(ref string) (resourceType, id string) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	default:
		return parts[len(parts)-2], parts[len(parts)-1]
	}
}

// ResourceTypeOf peeks at the resourceType element of a JSON document.
func ResourceTypeOf(data []byte) (string, error) {
	var r struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return "", err
	}
	return r.ResourceType, nil
}
