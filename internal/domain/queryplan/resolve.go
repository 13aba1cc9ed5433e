package queryplan

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrUnresolvedDependency is returned when a query is expanded before the
// resource type it depends on has produced results. It signals a caller bug,
// not bad input.
var ErrUnresolvedDependency = errors.New("queryplan: dependency not yet resolved")

// ErrUnboundVariable is returned when a Variable parameter has no value.
var ErrUnboundVariable = errors.New("queryplan: variable has no value")

// QueryType is the kind of upstream interaction a resolved query performs.
type QueryType string

const (
	QueryRead        QueryType = "Read"
	QuerySearch      QueryType = "Search"
	QueryBulkRequest QueryType = "BulkDataRequest"
	QueryBulkPoll    QueryType = "BulkDataPoll"
)

// SearchParam is one name/value pair of a resolved query. FromResource is set
// while the value still waits on ids produced by an earlier query.
type SearchParam struct {
	Name         string `json:"name"`
	Value        string `json:"value,omitempty"`
	FromResource string `json:"fromResource,omitempty"`
	PageSize     int    `json:"pageSize,omitempty"`
}

// ReferenceTarget describes a related resource type to pull by following
// references found in a query's results.
type ReferenceTarget struct {
	ResourceType string        `json:"resourceType"`
	Phase        Phase         `json:"queryPhase"`
	Operation    OperationType `json:"operationType"`
	PageSize     int           `json:"pageSize"`
}

// ResolvedQuery is a concrete query attached to one work item.
type ResolvedQuery struct {
	Key           string            `json:"key"`
	QueryType     QueryType         `json:"queryType"`
	ResourceTypes []string          `json:"resourceTypes"`
	ResourceID    string            `json:"resourceId,omitempty"`
	Params        []SearchParam     `json:"queryParameters"`
	Cursor        string            `json:"cursor,omitempty"`
	References    []ReferenceTarget `json:"referenceTargets,omitempty"`
}

// Pending reports whether any parameter still waits on a dependency.
func (q ResolvedQuery) Pending() bool {
	for _, p := range q.Params {
		if p.FromResource != "" {
			return true
		}
	}
	return false
}

// Encode renders the parameters as a query string, preserving order.
func (q ResolvedQuery) Encode() string {
	parts := make([]string, 0, len(q.Params))
	for _, p := range q.Params {
		parts = append(parts, url.QueryEscape(p.Name)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}

// Expand substitutes ids for every pending parameter. produced returns the ids
// recorded for a resource type and whether that type has run at all. A query
// that depends on an empty id set expands to nothing.
func (q ResolvedQuery) Expand(produced func(resourceType string) ([]string, bool)) ([]ResolvedQuery, error) {
	base := q
	base.Params = append([]SearchParam(nil), q.Params...)
	results := []ResolvedQuery{base}

	for i, p := range q.Params {
		if p.FromResource == "" {
			continue
		}
		ids, ok := produced(p.FromResource)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs %s ids for %s", ErrUnresolvedDependency, q.Key, p.FromResource, p.Name)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		size := p.PageSize
		if size <= 0 {
			size = len(ids)
		}
		var next []ResolvedQuery
		for _, r := range results {
			for start := 0; start < len(ids); start += size {
				end := min(start+size, len(ids))
				c := r
				c.Params = append([]SearchParam(nil), r.Params...)
				c.Params[i] = SearchParam{Name: p.Name, Value: strings.Join(ids[start:end], ",")}
				next = append(next, c)
			}
		}
		results = next
	}
	return results, nil
}

// Bindings holds the runtime values available to Variable parameters.
type Bindings struct {
	PatientID     string
	LookbackStart time.Time
	LookbackEnd   time.Time
	PeriodStart   time.Time
	PeriodEnd     time.Time
}

// ErrInvalidFormat is returned for a Format template without a placeholder.
var ErrInvalidFormat = errors.New("queryplan: format has no " + FormatPlaceholder + " placeholder")

func (b Bindings) value(v Variable, format string) (string, error) {
	var raw string
	switch v {
	case VariablePatientID:
		raw = PatientIDPart(b.PatientID)
		if raw == "" {
			return "", fmt.Errorf("%w: %s", ErrUnboundVariable, v)
		}
	case VariableLookbackStart:
		return formatTime(v, b.LookbackStart, format)
	case VariableLookbackEnd:
		return formatTime(v, b.LookbackEnd, format)
	case VariablePeriodStart:
		return formatTime(v, b.PeriodStart, format)
	case VariablePeriodEnd:
		return formatTime(v, b.PeriodEnd, format)
	default:
		return "", fmt.Errorf("invalid variable: %s", v)
	}
	return applyFormat(format, raw)
}

// formatTime renders t as a FHIR dateTime before applying the template.
func formatTime(v Variable, t time.Time, format string) (string, error) {
	if t.IsZero() {
		return "", fmt.Errorf("%w: %s", ErrUnboundVariable, v)
	}
	return applyFormat(format, t.UTC().Format(time.RFC3339))
}

func applyFormat(format, value string) (string, error) {
	if format == "" {
		return value, nil
	}
	if !strings.Contains(format, FormatPlaceholder) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
	return strings.ReplaceAll(format, FormatPlaceholder, value), nil
}

// PatientIDPart reduces a patient reference or URL to its id.
func PatientIDPart(ref string) string {
	ref = strings.TrimSpace(strings.TrimRight(ref, "/"))
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// ResolveParameters resolves the Literal and Variable parameters of cfg.
// ResourceIds parameters stay pending until the query is expanded.
func ResolveParameters(key string, cfg QueryConfig, b Bindings) (ResolvedQuery, error) {
	if cfg.Type != ConfigParameter {
		return ResolvedQuery{}, fmt.Errorf("queryplan: key %s is not a parameter config", key)
	}

	q := ResolvedQuery{
		Key:           key,
		QueryType:     QuerySearch,
		ResourceTypes: []string{cfg.ResourceType},
	}
	for _, p := range cfg.Parameters {
		switch p.Type {
		case ParameterLiteral:
			q.Params = append(q.Params, SearchParam{Name: p.Name, Value: p.Literal})
		case ParameterVariable:
			v, err := b.value(p.Variable, p.Format)
			if err != nil {
				return ResolvedQuery{}, fmt.Errorf("resolve %s.%s: %w", key, p.Name, err)
			}
			q.Params = append(q.Params, SearchParam{Name: p.Name, Value: v})
		case ParameterResourceIDs:
			q.Params = append(q.Params, SearchParam{Name: p.Name, FromResource: p.Resource, PageSize: p.PageSize})
		default:
			return ResolvedQuery{}, fmt.Errorf("resolve %s: invalid parameter type: %s", key, p.Type)
		}
	}

	if len(q.Params) == 1 && q.Params[0].Name == "_id" && q.Params[0].FromResource == "" &&
		!strings.Contains(q.Params[0].Value, ",") && q.Params[0].Value != "" {
		q.QueryType = QueryRead
		q.ResourceID = q.Params[0].Value
	}
	return q, nil
}

// QueryGroup is a set of queries that must run in order inside one work item
// because later ones consume ids produced by earlier ones.
type QueryGroup struct {
	Queries []ResolvedQuery
}

// Resolve turns one phase of plan into query groups in declared order. Every
// query carries the phase's reference targets.
func Resolve(plan *QueryPlan, phase Phase, b Bindings) ([]QueryGroup, error) {
	q := plan.Queries(phase)
	if err := ValidateOrder(phase, q); err != nil {
		return nil, err
	}

	var refs []ReferenceTarget
	for _, key := range OrderedKeys(q) {
		if cfg := q[key]; cfg.Type == ConfigReference {
			refs = append(refs, ReferenceTarget{
				ResourceType: cfg.ResourceType,
				Phase:        phase,
				Operation:    cfg.Operation,
				PageSize:     cfg.PageSize,
			})
		}
	}

	type member struct {
		order int
		query ResolvedQuery
	}
	var groups [][]member
	producedBy := make(map[string]int)

	for order, key := range OrderedKeys(q) {
		cfg := q[key]
		if cfg.Type != ConfigParameter {
			continue
		}
		rq, err := ResolveParameters(key, cfg, b)
		if err != nil {
			return nil, err
		}
		rq.References = refs

		target := -1
		for _, p := range cfg.Parameters {
			if p.Type != ParameterResourceIDs {
				continue
			}
			g := producedBy[p.Resource]
			switch {
			case target < 0:
				target = g
			case g != target:
				lo, hi := min(g, target), max(g, target)
				groups[lo] = append(groups[lo], groups[hi]...)
				groups[hi] = nil
				for rt, idx := range producedBy {
					if idx == hi {
						producedBy[rt] = lo
					}
				}
				target = lo
			}
		}
		if target < 0 {
			groups = append(groups, nil)
			target = len(groups) - 1
		}
		groups[target] = append(groups[target], member{order: order, query: rq})
		producedBy[cfg.ResourceType] = target
	}

	var out []QueryGroup
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		sort.SliceStable(g, func(i, j int) bool { return g[i].order < g[j].order })
		qg := QueryGroup{Queries: make([]ResolvedQuery, len(g))}
		for i, m := range g {
			qg.Queries[i] = m.query
		}
		out = append(out, qg)
	}
	return out, nil
}
