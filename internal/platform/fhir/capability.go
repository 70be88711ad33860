package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// SearchParam describes a search parameter for use with the CapabilityBuilder.
type SearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// OperationCapability describes a named operation.
type OperationCapability struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

type resourceEntry struct {
	interactions []string
	searchParams []SearchParam
	operations   []OperationCapability
}

// CapabilityBuilder accumulates resource registrations during server start
// so the /fhir/metadata response reflects only what is actually routed.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]*resourceEntry

	ServerName    string
	ServerVersion string
	BaseURL       string
}

func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources:     make(map[string]*resourceEntry),
		ServerName:    "Appointment Booking Mock Server",
		ServerVersion: version,
		BaseURL:       baseURL,
	}
}

func (b *CapabilityBuilder) entry(resourceType string) *resourceEntry {
	e, ok := b.resources[resourceType]
	if !ok {
		e = &resourceEntry{}
		b.resources[resourceType] = e
	}
	return e
}

// AddResource registers interactions and search parameters for a resource type.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, params []SearchParam) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(resourceType)
	e.interactions = append(e.interactions, interactions...)
	e.searchParams = append(e.searchParams, params...)
}

// AddOperation registers a type-level operation such as Appointment/$book.
func (b *CapabilityBuilder) AddOperation(resourceType, name, definition string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(resourceType)
	e.operations = append(e.operations, OperationCapability{Name: name, Definition: definition})
}

// Build returns the CapabilityStatement as a generic JSON document.
func (b *CapabilityBuilder) Build() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.resources))
	for t := range b.resources {
		types = append(types, t)
	}
	sort.Strings(types)

	resources := make([]map[string]interface{}, 0, len(types))
	for _, t := range types {
		e := b.resources[t]
		interactions := make([]map[string]string, 0, len(e.interactions))
		for _, code := range e.interactions {
			interactions = append(interactions, map[string]string{"code": code})
		}
		res := map[string]interface{}{
			"type":        t,
			"interaction": interactions,
			"versioning":  "versioned",
		}
		if len(e.searchParams) > 0 {
			res["searchParam"] = e.searchParams
		}
		if len(e.operations) > 0 {
			res["operation"] = e.operations
		}
		resources = append(resources, res)
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"patchFormat":  []string{"application/fhir+json"},
		"software": map[string]string{
			"name":    b.ServerName,
			"version": b.ServerVersion,
		},
		"implementation": map[string]string{
			"description": b.ServerName,
			"url":         b.BaseURL + "/fhir",
		},
		"rest": []map[string]interface{}{
			{
				"mode":     "server",
				"resource": resources,
			},
		},
	}
}

// CapabilityHandler serves GET /fhir/metadata.
func CapabilityHandler(b *CapabilityBuilder) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.Build())
	}
}
