package queryplan

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// DecodeDocuments reads one or more query plans from r. JSON input may be a
// single plan or an array; YAML input may hold several documents. YAML is
// converted to JSON first so both go through the same variant decoding.
func DecodeDocuments(r io.Reader, format string) ([]*QueryPlan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plans: %w", err)
	}

	switch strings.ToLower(format) {
	case "json":
		return decodeJSONPlans(data)
	case "yaml", "yml":
		return decodeYAMLPlans(data)
	default:
		return nil, fmt.Errorf("unsupported plan format: %s", format)
	}
}

func decodeJSONPlans(data []byte) ([]*QueryPlan, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var plans []*QueryPlan
		if err := json.Unmarshal(data, &plans); err != nil {
			return nil, err
		}
		return plans, nil
	}
	var p QueryPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return []*QueryPlan{&p}, nil
}

func decodeYAMLPlans(data []byte) ([]*QueryPlan, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	var plans []*QueryPlan
	for {
		var doc interface{}
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		if doc == nil {
			continue
		}
		raw, err := json.Marshal(jsonCompatible(doc))
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		more, err := decodeJSONPlans(raw)
		if err != nil {
			return nil, err
		}
		plans = append(plans, more...)
	}
	return plans, nil
}

// jsonCompatible turns yaml's map[string]interface{} trees (and any
// map[interface{}]interface{} nodes) into values encoding/json accepts.
func jsonCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonCompatible(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonCompatible(val)
		}
		return out
	default:
		return v
	}
}
