package fhir

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// Extras holds the elements of a resource that the typed model does not
// declare, so that a read-modify-write cycle preserves them.
type Extras map[string]json.RawMessage

var knownFieldsCache sync.Map // reflect.Type -> map[string]bool

func knownFields(t reflect.Type) map[string]bool {
	if cached, ok := knownFieldsCache.Load(t); ok {
		return cached.(map[string]bool)
	}
	fields := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fields[name] = true
	}
	knownFieldsCache.Store(t, fields)
	return fields
}

// UnmarshalWithExtras decodes data into v (a pointer to a struct without a
// custom UnmarshalJSON) and returns the elements v has no field for.
func UnmarshalWithExtras(data []byte, v any) (Extras, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	known := knownFields(reflect.TypeOf(v).Elem())
	for k := range all {
		if known[k] {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// MarshalWithExtras encodes v (a struct without a custom MarshalJSON) and
// merges extras in. Declared fields win over extras of the same name.
func MarshalWithExtras(v any, extras Extras) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extras) == 0 {
		return data, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for k, raw := range extras {
		if _, ok := out[k]; !ok {
			out[k] = raw
		}
	}
	return json.Marshal(out)
}
