package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Bundle is the subset of a FHIR Bundle the acquisition engine reads from
// upstream search responses.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
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

// ParseBundle decodes a search response and checks that it is a Bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// NextLink returns the continuation URL of b, or "" when there is none.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if strings.EqualFold(l.Relation, "next") && l.URL != "" {
			return l.URL
		}
	}
	return ""
}

// Resources returns the entry resources, skipping empty entries and
// OperationOutcome entries that servers add in search mode "outcome".
func (b *Bundle) Resources() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		if e.Search != nil && e.Search.Mode == "outcome" {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
