package fhir

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Header is the identity of a raw resource.
type Header struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// ParseHeader reads resourceType and id from a raw resource.
func ParseHeader(raw json.RawMessage) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("decode resource: %w", err)
	}
	if h.ResourceType == "" {
		return Header{}, fmt.Errorf("resource has no resourceType")
	}
	return h, nil
}

// OperationOutcome carries upstream error details.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// OutcomeMessage extracts diagnostics from an OperationOutcome body. It
// returns "" when data is not an outcome.
func OutcomeMessage(data []byte) string {
	var oo OperationOutcome
	if err := json.Unmarshal(data, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return ""
	}
	parts := make([]string, 0, len(oo.Issue))
	for _, is := range oo.Issue {
		msg := is.Code
		if is.Diagnostics != "" {
			msg += ": " + is.Diagnostics
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// FindReferences walks a raw resource and returns, per resource type in
// types, the distinct ids of every relative "Type/id" reference found. Absolute
// and contained ("#x") references are reduced to their trailing Type/id.
func FindReferences(raw json.RawMessage, types []string) map[string][]string {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	found := make(map[string]map[string]bool)

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case map[string]interface{}:
			for k, val := range t {
				if s, ok := val.(string); ok && k == "reference" {
					if rt, id, ok := splitReference(s); ok && want[rt] {
						if found[rt] == nil {
							found[rt] = make(map[string]bool)
						}
						found[rt][id] = true
					}
					continue
				}
				walk(val)
			}
		case []interface{}:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(doc)

	out := make(map[string][]string, len(found))
	for rt, ids := range found {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		out[rt] = list
	}
	return out
}

func splitReference(ref string) (string, string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", "", false
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	rt, id := parts[len(parts)-2], parts[len(parts)-1]
	if rt == "" || id == "" {
		return "", "", false
	}
	return rt, id, true
}
