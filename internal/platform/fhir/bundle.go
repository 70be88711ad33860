package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle wraps raw resources of one type in a searchset Bundle.
func NewSearchBundle(resourceType string, resources []json.RawMessage, baseURL, selfURL string) *Bundle {
	now := time.Now().UTC()
	total := len(resources)
	entries := make([]BundleEntry, 0, total)
	for _, raw := range resources {
		var r Resource
		_ = json.Unmarshal(raw, &r)
		entries = append(entries, BundleEntry{
			FullURL:  baseURL + "/fhir/" + resourceType + "/" + r.ID,
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}
}
