package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ehr/mockserver/internal/platform/fhir"
)

// ParamType is the FHIR search parameter type.
type ParamType string

const (
	ParamToken     ParamType = "token"
	ParamReference ParamType = "reference"
	ParamDate      ParamType = "date"
)

// SearchParam maps a search parameter name onto an element path. Arrays met
// along the path are fanned out; a resource matches if any value matches.
type SearchParam struct {
	Name string
	Type ParamType
	Path []string
}

// scalar reports whether Path never crosses an array, which lets SQL
// backends evaluate the parameter with a plain path extraction.
func (p SearchParam) scalar(resourceType string) bool {
	return !arrayPaths[resourceType+"."+p.Path[0]]
}

var arrayPaths = map[string]bool{
	"Appointment.slot":        true,
	"Appointment.participant": true,
	"Schedule.actor":          true,
}

var idParam = SearchParam{Name: "_id", Type: ParamToken, Path: []string{"id"}}

var searchParams = map[string]map[string]SearchParam{
	"Slot": {
		"schedule": {Name: "schedule", Type: ParamReference, Path: []string{"schedule", "reference"}},
		"start":    {Name: "start", Type: ParamDate, Path: []string{"start"}},
		"status":   {Name: "status", Type: ParamToken, Path: []string{"status"}},
	},
	"Appointment": {
		"status": {Name: "status", Type: ParamToken, Path: []string{"status"}},
		"date":   {Name: "date", Type: ParamDate, Path: []string{"start"}},
		"slot":   {Name: "slot", Type: ParamReference, Path: []string{"slot", "reference"}},
		"actor":  {Name: "actor", Type: ParamReference, Path: []string{"participant", "actor", "reference"}},
	},
	"Schedule": {
		"actor": {Name: "actor", Type: ParamReference, Path: []string{"actor", "reference"}},
	},
	"Patient": {
		"active": {Name: "active", Type: ParamToken, Path: []string{"active"}},
	},
}

// SearchParams returns the registered parameters of a resource type, sorted
// by name.
func SearchParams(resourceType string) []SearchParam {
	params := []SearchParam{idParam}
	for _, p := range searchParams[resourceType] {
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

func lookupParam(resourceType, name string) (SearchParam, bool) {
	if name == idParam.Name {
		return idParam, true
	}
	p, ok := searchParams[resourceType][name]
	return p, ok
}

// Criterion is one search parameter with its comparator prefix. Values are
// OR-ed.
type Criterion struct {
	Param  string
	Prefix string
	Values []string
}

// Eq builds an equality criterion.
func Eq(param, value string) Criterion {
	return Criterion{Param: param, Prefix: "eq", Values: []string{value}}
}

// Lt builds a date criterion matching values strictly before value.
func Lt(param, value string) Criterion {
	return Criterion{Param: param, Prefix: "lt", Values: []string{value}}
}

var datePrefixes = map[string]bool{"eq": true, "ne": true, "lt": true, "gt": true, "le": true, "ge": true}

// ParseCriteria converts query parameters into criteria. Result parameters
// other than _id (such as _count or _format) are ignored.
func ParseCriteria(resourceType string, q url.Values) ([]Criterion, error) {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)

	var criteria []Criterion
	for _, name := range names {
		if strings.HasPrefix(name, "_") && name != idParam.Name {
			continue
		}
		param, ok := lookupParam(resourceType, name)
		if !ok {
			return nil, errors.Mark(errors.Newf("unknown search parameter %s for %s", name, resourceType), ErrUnknownSearchParam)
		}
		for _, raw := range q[name] {
			c := Criterion{Param: name, Prefix: "eq"}
			if param.Type == ParamDate && len(raw) > 2 && datePrefixes[raw[:2]] {
				c.Prefix, raw = raw[:2], raw[2:]
			}
			c.Values = strings.Split(raw, ",")
			if param.Type == ParamDate {
				for _, v := range c.Values {
					if _, err := fhir.ParseInstant(v); err != nil {
						return nil, errors.Wrapf(err, "search parameter %s", name)
					}
				}
			}
			criteria = append(criteria, c)
		}
	}
	return criteria, nil
}

// validate checks every criterion refers to a registered parameter.
func validate(resourceType string, criteria []Criterion) error {
	for _, c := range criteria {
		if _, ok := lookupParam(resourceType, c.Param); !ok {
			return errors.Mark(errors.Newf("unknown search parameter %s for %s", c.Param, resourceType), ErrUnknownSearchParam)
		}
	}
	return nil
}

// Match reports whether a decoded resource satisfies all criteria.
func Match(resourceType string, doc map[string]interface{}, criteria []Criterion) (bool, error) {
	for _, c := range criteria {
		param, ok := lookupParam(resourceType, c.Param)
		if !ok {
			return false, errors.Mark(errors.Newf("unknown search parameter %s for %s", c.Param, resourceType), ErrUnknownSearchParam)
		}
		values := collect(doc, param.Path)
		matched := false
		for _, v := range values {
			for _, want := range c.Values {
				ok, err := compare(param.Type, c.Prefix, v, want)
				if err != nil {
					return false, err
				}
				if ok {
					matched = true
				}
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// MatchJSON is Match over an encoded resource.
func MatchJSON(resourceType string, body json.RawMessage, criteria []Criterion) (bool, error) {
	doc, err := decodeDoc(body)
	if err != nil {
		return false, err
	}
	return Match(resourceType, doc, criteria)
}

func collect(node interface{}, path []string) []string {
	switch n := node.(type) {
	case []interface{}:
		var out []string
		for _, el := range n {
			out = append(out, collect(el, path)...)
		}
		return out
	case map[string]interface{}:
		if len(path) == 0 {
			return nil
		}
		child, ok := n[path[0]]
		if !ok {
			return nil
		}
		return collect(child, path[1:])
	case nil:
		return nil
	default:
		if len(path) != 0 {
			return nil
		}
		return []string{fmt.Sprint(n)}
	}
}

func compare(t ParamType, prefix, have, want string) (bool, error) {
	switch t {
	case ParamReference:
		return referenceEqual(have, want), nil
	case ParamDate:
		h, err := fhir.ParseInstant(have)
		if err != nil {
			return false, nil
		}
		w, err := fhir.ParseInstant(want)
		if err != nil {
			return false, errors.Wrap(err, "date criterion")
		}
		switch prefix {
		case "lt":
			return h.Time.Before(w.Time), nil
		case "le":
			return !h.Time.After(w.Time), nil
		case "gt":
			return h.Time.After(w.Time), nil
		case "ge":
			return !h.Time.Before(w.Time), nil
		case "ne":
			return !h.Time.Equal(w.Time), nil
		default:
			return h.Time.Equal(w.Time), nil
		}
	default:
		return have == want, nil
	}
}

// referenceEqual compares literal references by type and id so that
// "Schedule/1", "http://host/fhir/Schedule/1" and "1" can match.
func referenceEqual(have, want string) bool {
	if have == want {
		return true
	}
	ht, hid := fhir.ParseReference(have)
	wt, wid := fhir.ParseReference(want)
	if hid == "" || hid != wid {
		return false
	}
	return ht == "" || wt == "" || ht == wt
}
