package queryplan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OrderError reports a phase whose keys are declared in an order the
// resolver cannot execute.
type OrderError struct {
	Phase  Phase
	Key    string
	Reason string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s (key %s in %s)", e.Reason, e.Key, e.Phase)
}

// OrderedKeys returns the keys of q in declared order: numeric keys ascending,
// then non-numeric keys lexicographically.
func OrderedKeys(q Queries) []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(strings.TrimSpace(keys[i]))
		b, bErr := strconv.Atoi(strings.TrimSpace(keys[j]))
		switch {
		case aErr == nil && bErr == nil:
			if a != b {
				return a < b
			}
			return keys[i] < keys[j]
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

// ValidateOrder checks the declared-order constraints of one phase. Every
// Reference config must follow all Parameter configs and have at least one
// producing key before it; every ResourceIds parameter must name a resource
// type produced by an earlier key.
func ValidateOrder(phase Phase, q Queries) error {
	produced := make(map[string]bool)
	seenReference := false

	for _, key := range OrderedKeys(q) {
		cfg := q[key]
		if strings.TrimSpace(cfg.ResourceType) == "" {
			return &OrderError{Phase: phase, Key: key, Reason: "resource type is required"}
		}

		switch cfg.Type {
		case ConfigParameter:
			if seenReference {
				return &OrderError{Phase: phase, Key: key,
					Reason: fmt.Sprintf("All ReferenceQueryConfig entries must appear after all ParameterQueryConfig entries in %s", phase)}
			}
			for _, p := range cfg.Parameters {
				if err := validateParameter(phase, key, p, produced); err != nil {
					return err
				}
			}
			produced[cfg.ResourceType] = true
		case ConfigReference:
			if len(produced) == 0 {
				return &OrderError{Phase: phase, Key: key,
					Reason: fmt.Sprintf("reference config for %s has no earlier query to take references from", cfg.ResourceType)}
			}
			if cfg.Operation != OperationRead && cfg.Operation != OperationSearch {
				return &OrderError{Phase: phase, Key: key, Reason: "invalid operation type"}
			}
			if cfg.PageSize < 0 {
				return &OrderError{Phase: phase, Key: key, Reason: "page size must not be negative"}
			}
			seenReference = true
		default:
			return &OrderError{Phase: phase, Key: key, Reason: fmt.Sprintf("invalid query config type: %s", cfg.Type)}
		}
	}
	return nil
}

func validateParameter(phase Phase, key string, p Parameter, produced map[string]bool) error {
	if strings.TrimSpace(p.Name) == "" {
		return &OrderError{Phase: phase, Key: key, Reason: "parameter name is required"}
	}
	switch p.Type {
	case ParameterLiteral:
	case ParameterVariable:
		if !validVariables[p.Variable] {
			return &OrderError{Phase: phase, Key: key, Reason: fmt.Sprintf("invalid variable: %s", p.Variable)}
		}
		if p.Format != "" && !strings.Contains(p.Format, FormatPlaceholder) {
			return &OrderError{Phase: phase, Key: key,
				Reason: fmt.Sprintf("format %q for %s has no %s placeholder", p.Format, p.Name, FormatPlaceholder)}
		}
	case ParameterResourceIDs:
		if p.PageSize <= 0 {
			return &OrderError{Phase: phase, Key: key, Reason: "ResourceIds parameter page size must be positive"}
		}
		if !produced[p.Resource] {
			return &OrderError{Phase: phase, Key: key,
				Reason: fmt.Sprintf("ResourceIds parameter depends on %s which no earlier key produces", p.Resource)}
		}
	default:
		return &OrderError{Phase: phase, Key: key, Reason: fmt.Sprintf("invalid parameter type: %s", p.Type)}
	}
	return nil
}

// Validate checks plan metadata and both phases.
func (p *QueryPlan) Validate() error {
	if strings.TrimSpace(p.FacilityID) == "" {
		return fmt.Errorf("facility id is required")
	}
	if strings.TrimSpace(p.PlanName) == "" {
		return fmt.Errorf("plan name is required")
	}
	if !validPlanTypes[p.Type] {
		return fmt.Errorf("invalid plan type: %s", p.Type)
	}
	if len(p.InitialQueries) == 0 && len(p.SupplementalQueries) == 0 {
		return fmt.Errorf("plan must declare at least one query")
	}
	if _, err := p.LookBackDuration(); err != nil {
		return err
	}
	if err := ValidateOrder(PhaseInitial, p.InitialQueries); err != nil {
		return err
	}
	return ValidateOrder(PhaseSupplemental, p.SupplementalQueries)
}
