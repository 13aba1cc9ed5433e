package queryplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a query plan document that cannot be decoded into one of
// the known variants. Value holds the offending discriminator or object.
type ParseError struct {
	Kind   string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("queryplan: %s: %s %q", e.Kind, e.Reason, e.Value)
}

// ---------------------------------------------------------------------------
// Parameter
// ---------------------------------------------------------------------------

type literalWire struct {
	ParameterType ParameterType `json:"ParameterType"`
	Name          string        `json:"Name"`
	Literal       string        `json:"Literal"`
}

type variableWire struct {
	ParameterType ParameterType `json:"ParameterType"`
	Name          string        `json:"Name"`
	Variable      Variable      `json:"Variable"`
	Format        *string       `json:"Format"`
}

type resourceIDsWire struct {
	ParameterType ParameterType `json:"ParameterType"`
	Name          string        `json:"Name"`
	Resource      string        `json:"Resource"`
	Paged         string        `json:"Paged"`
}

// MarshalJSON always emits the short-discriminator form.
func (p Parameter) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case ParameterLiteral:
		return json.Marshal(literalWire{ParameterType: p.Type, Name: p.Name, Literal: p.Literal})
	case ParameterVariable:
		w := variableWire{ParameterType: p.Type, Name: p.Name, Variable: p.Variable}
		if p.Format != "" {
			f := p.Format
			w.Format = &f
		}
		return json.Marshal(w)
	case ParameterResourceIDs:
		return json.Marshal(resourceIDsWire{
			ParameterType: p.Type,
			Name:          p.Name,
			Resource:      p.Resource,
			Paged:         strconv.Itoa(p.PageSize),
		})
	default:
		return nil, &ParseError{Kind: "Parameter", Value: string(p.Type), Reason: "unknown ParameterType"}
	}
}

// UnmarshalJSON accepts the short discriminator (ParameterType), the legacy
// assembly-qualified $type, or a discriminator-free object whose fields
// identify exactly one variant.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	fields, err := objectFields("Parameter", data)
	if err != nil {
		return err
	}

	kind, err := parameterKind(fields, data)
	if err != nil {
		return err
	}

	out := Parameter{Type: kind}
	if out.Name, err = stringField(fields, "name"); err != nil {
		return err
	}

	switch kind {
	case ParameterLiteral:
		if out.Literal, err = stringField(fields, "literal"); err != nil {
			return err
		}
	case ParameterVariable:
		name, err := stringField(fields, "variable")
		if err != nil {
			return err
		}
		v, ok := lookupVariable(name)
		if !ok {
			return &ParseError{Kind: "Variable", Value: name, Reason: "unknown Variable"}
		}
		out.Variable = v
		if out.Format, err = stringField(fields, "format"); err != nil {
			return err
		}
	case ParameterResourceIDs:
		if out.Resource, err = stringField(fields, "resource"); err != nil {
			return err
		}
		if out.PageSize, err = intField(fields, "paged"); err != nil {
			return err
		}
	}

	*p = out
	return nil
}

func parameterKind(fields map[string]json.RawMessage, data []byte) (ParameterType, error) {
	if raw, ok := fields["parametertype"]; ok && !isNull(raw) {
		s, err := rawString(raw)
		if err != nil {
			return "", &ParseError{Kind: "Parameter", Value: string(raw), Reason: "unknown ParameterType"}
		}
		switch {
		case strings.EqualFold(s, string(ParameterLiteral)):
			return ParameterLiteral, nil
		case strings.EqualFold(s, string(ParameterVariable)):
			return ParameterVariable, nil
		case strings.EqualFold(s, string(ParameterResourceIDs)):
			return ParameterResourceIDs, nil
		}
		return "", &ParseError{Kind: "Parameter", Value: s, Reason: "unknown ParameterType"}
	}

	if raw, ok := fields["$type"]; ok && !isNull(raw) {
		s, _ := rawString(raw)
		switch {
		case strings.Contains(s, "LiteralParameter"):
			return ParameterLiteral, nil
		case strings.Contains(s, "VariableParameter"):
			return ParameterVariable, nil
		case strings.Contains(s, "ResourceIdsParameter"):
			return ParameterResourceIDs, nil
		}
		return "", &ParseError{Kind: "Parameter", Value: s, Reason: "unknown $type"}
	}

	var candidates []ParameterType
	if has(fields, "literal") {
		candidates = append(candidates, ParameterLiteral)
	}
	if has(fields, "resource") && has(fields, "paged") {
		candidates = append(candidates, ParameterResourceIDs)
	}
	if has(fields, "variable") {
		candidates = append(candidates, ParameterVariable)
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", &ParseError{Kind: "Parameter", Value: compact(data), Reason: "unable to determine ParameterType"}
	default:
		return "", &ParseError{Kind: "Parameter", Value: compact(data), Reason: "ambiguous ParameterType"}
	}
}

// lookupVariable accepts a variable name or its ordinal.
func lookupVariable(name string) (Variable, bool) {
	if n, err := strconv.Atoi(name); err == nil {
		if n < 0 || n >= len(variableOrdinals) {
			return "", false
		}
		return variableOrdinals[n], true
	}
	for v := range validVariables {
		if strings.EqualFold(string(v), name) {
			return v, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// QueryConfig
// ---------------------------------------------------------------------------

type parameterConfigWire struct {
	QueryConfigType QueryConfigType `json:"QueryConfigType"`
	ResourceType    string          `json:"ResourceType"`
	Parameters      []Parameter     `json:"Parameters"`
}

type referenceConfigWire struct {
	QueryConfigType QueryConfigType `json:"QueryConfigType"`
	ResourceType    string          `json:"ResourceType"`
	OperationType   OperationType   `json:"OperationType"`
	Paged           int             `json:"Paged"`
}

// MarshalJSON always emits the short-discriminator form.
func (c QueryConfig) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ConfigParameter:
		params := c.Parameters
		if params == nil {
			params = []Parameter{}
		}
		return json.Marshal(parameterConfigWire{
			QueryConfigType: c.Type,
			ResourceType:    c.ResourceType,
			Parameters:      params,
		})
	case ConfigReference:
		return json.Marshal(referenceConfigWire{
			QueryConfigType: c.Type,
			ResourceType:    c.ResourceType,
			OperationType:   c.Operation,
			Paged:           c.PageSize,
		})
	default:
		return nil, &ParseError{Kind: "QueryConfig", Value: string(c.Type), Reason: "unknown QueryConfigType"}
	}
}

// UnmarshalJSON mirrors Parameter.UnmarshalJSON for the config union.
func (c *QueryConfig) UnmarshalJSON(data []byte) error {
	fields, err := objectFields("QueryConfig", data)
	if err != nil {
		return err
	}

	kind, err := queryConfigKind(fields, data)
	if err != nil {
		return err
	}

	out := QueryConfig{Type: kind}
	if out.ResourceType, err = stringField(fields, "resourcetype"); err != nil {
		return err
	}

	switch kind {
	case ConfigParameter:
		if raw, ok := fields["parameters"]; ok && !isNull(raw) {
			var params []Parameter
			if err := json.Unmarshal(raw, &params); err != nil {
				return fmt.Errorf("queryplan: %s parameters: %w", out.ResourceType, err)
			}
			out.Parameters = params
		}
	case ConfigReference:
		if raw, ok := fields["operationtype"]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, &out.Operation); err != nil {
				return err
			}
		}
		if out.PageSize, err = intField(fields, "paged"); err != nil {
			return err
		}
	}

	*c = out
	return nil
}

func queryConfigKind(fields map[string]json.RawMessage, data []byte) (QueryConfigType, error) {
	if raw, ok := fields["queryconfigtype"]; ok && !isNull(raw) {
		s, err := rawString(raw)
		if err != nil {
			return "", &ParseError{Kind: "QueryConfig", Value: string(raw), Reason: "unknown QueryConfigType"}
		}
		switch {
		case strings.EqualFold(s, string(ConfigParameter)):
			return ConfigParameter, nil
		case strings.EqualFold(s, string(ConfigReference)):
			return ConfigReference, nil
		}
		return "", &ParseError{Kind: "QueryConfig", Value: s, Reason: "unknown QueryConfigType"}
	}

	if raw, ok := fields["$type"]; ok && !isNull(raw) {
		s, _ := rawString(raw)
		switch {
		case strings.Contains(s, "ParameterQueryConfig"):
			return ConfigParameter, nil
		case strings.Contains(s, "ReferenceQueryConfig"):
			return ConfigReference, nil
		}
		return "", &ParseError{Kind: "QueryConfig", Value: s, Reason: "unknown $type"}
	}

	hasParams := has(fields, "parameters")
	hasRef := has(fields, "paged") || has(fields, "operationtype")
	switch {
	case hasParams && !hasRef:
		return ConfigParameter, nil
	case hasRef && !hasParams:
		return ConfigReference, nil
	case hasParams && hasRef:
		return "", &ParseError{Kind: "QueryConfig", Value: compact(data), Reason: "ambiguous QueryConfigType"}
	default:
		return "", &ParseError{Kind: "QueryConfig", Value: compact(data), Reason: "unable to determine QueryConfigType"}
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// objectFields decodes a JSON object with keys folded to lower case.
func objectFields(kind string, data []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, &ParseError{Kind: kind, Value: compact(data), Reason: "expected JSON object"}
	}
	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		fields[strings.ToLower(k)] = v
	}
	return fields, nil
}

func has(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	return ok && !isNull(raw)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func rawString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// stringField returns a string field; numbers and booleans yield their JSON text.
func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	if s, err := rawString(raw); err == nil {
		return s, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "", &ParseError{Kind: key, Value: compact(raw), Reason: "expected scalar"}
	}
	return string(trimmed), nil
}

// intField accepts a JSON number or a numeric string.
func intField(fields map[string]json.RawMessage, key string) (int, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	s, err := rawString(raw)
	if err != nil {
		return 0, &ParseError{Kind: key, Value: compact(raw), Reason: "expected integer"}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err = strconv.Atoi(s)
	if err != nil {
		return 0, &ParseError{Kind: key, Value: s, Reason: "expected integer"}
	}
	return n, nil
}

func compact(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}
