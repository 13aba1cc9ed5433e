package queryplan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParameterType discriminates the Parameter union.
type ParameterType string

const (
	ParameterLiteral     ParameterType = "Literal"
	ParameterVariable    ParameterType = "Variable"
	ParameterResourceIDs ParameterType = "ResourceIds"
)

// Variable names a runtime value substituted into a Variable parameter.
type Variable string

const (
	VariablePatientID     Variable = "PatientId"
	VariableLookbackStart Variable = "LookbackStart"
	VariableLookbackEnd   Variable = "LookbackEnd"
	VariablePeriodStart   Variable = "PeriodStart"
	VariablePeriodEnd     Variable = "PeriodEnd"
)

// variableOrdinals lists the variables by their numeric wire value.
var variableOrdinals = []Variable{
	VariablePatientID,
	VariableLookbackStart,
	VariableLookbackEnd,
	VariablePeriodStart,
	VariablePeriodEnd,
}

var validVariables = map[Variable]bool{
	VariablePatientID:     true,
	VariableLookbackStart: true,
	VariableLookbackEnd:   true,
	VariablePeriodStart:   true,
	VariablePeriodEnd:     true,
}

// FormatPlaceholder marks where a Variable's value goes in its Format
// template, e.g. "ge{0}".
const FormatPlaceholder = "{0}"

// Parameter is a closed union over Literal, Variable and ResourceIds. Only the
// fields belonging to Type are meaningful.
type Parameter struct {
	Type ParameterType
	Name string

	// Literal
	Literal string

	// Variable
	Variable Variable
	Format   string

	// ResourceIds
	Resource string
	PageSize int
}

// LiteralParam passes value through verbatim.
func LiteralParam(name, value string) Parameter {
	return Parameter{Type: ParameterLiteral, Name: name, Literal: value}
}

// VariableParam substitutes a runtime value. A non-empty format is a template
// containing FormatPlaceholder.
func VariableParam(name string, v Variable, format string) Parameter {
	return Parameter{Type: ParameterVariable, Name: name, Variable: v, Format: format}
}

// ResourceIDsParam substitutes pages of ids produced by an earlier key.
func ResourceIDsParam(name, resourceType string, pageSize int) Parameter {
	return Parameter{Type: ParameterResourceIDs, Name: name, Resource: resourceType, PageSize: pageSize}
}

// QueryConfigType discriminates the QueryConfig union.
type QueryConfigType string

const (
	ConfigParameter QueryConfigType = "Parameter"
	ConfigReference QueryConfigType = "Reference"
)

// OperationType selects how a reference config is fetched. The numeric values
// match the legacy enum encoding.
type OperationType int

const (
	OperationRead   OperationType = 0
	OperationSearch OperationType = 1
)

func (o OperationType) String() string {
	switch o {
	case OperationRead:
		return "Read"
	case OperationSearch:
		return "Search"
	default:
		return strconv.Itoa(int(o))
	}
}

func (o OperationType) MarshalJSON() ([]byte, error) {
	if o != OperationRead && o != OperationSearch {
		return nil, fmt.Errorf("invalid operation type: %d", int(o))
	}
	return json.Marshal(o.String())
}

// UnmarshalJSON accepts the enum name or its number.
func (o *OperationType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "read", "0":
			*o = OperationRead
		case "search", "1":
			*o = OperationSearch
		default:
			return &ParseError{Kind: "OperationType", Value: s, Reason: "unknown OperationType"}
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return &ParseError{Kind: "OperationType", Value: string(data), Reason: "unknown OperationType"}
	}
	if n != int(OperationRead) && n != int(OperationSearch) {
		return &ParseError{Kind: "OperationType", Value: string(data), Reason: "unknown OperationType"}
	}
	*o = OperationType(n)
	return nil
}

// QueryConfig is a closed union over Parameter and Reference configs.
type QueryConfig struct {
	Type         QueryConfigType
	ResourceType string

	// Parameter
	Parameters []Parameter

	// Reference
	Operation OperationType
	PageSize  int
}

// ParameterConfig builds a ParameterQueryConfig.
func ParameterConfig(resourceType string, params ...Parameter) QueryConfig {
	return QueryConfig{Type: ConfigParameter, ResourceType: resourceType, Parameters: params}
}

// ReferenceConfig builds a ReferenceQueryConfig.
func ReferenceConfig(resourceType string, op OperationType, pageSize int) QueryConfig {
	return QueryConfig{Type: ConfigReference, ResourceType: resourceType, Operation: op, PageSize: pageSize}
}

// Queries maps a stable key to a config within one phase.
type Queries map[string]QueryConfig

// Phase names the two query mappings of a plan.
type Phase string

const (
	PhaseInitial      Phase = "Initial"
	PhaseSupplemental Phase = "Supplemental"
)

// ParsePhase is case-insensitive.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initial":
		return PhaseInitial, nil
	case "supplemental":
		return PhaseSupplemental, nil
	default:
		return "", fmt.Errorf("invalid query phase: %s", s)
	}
}

// PlanType is the cadence a plan serves.
type PlanType string

const (
	PlanDischarge PlanType = "Discharge"
	PlanDaily     PlanType = "Daily"
	PlanWeekly    PlanType = "Weekly"
	PlanMonthly   PlanType = "Monthly"
	PlanAdhoc     PlanType = "Adhoc"
)

var validPlanTypes = map[PlanType]bool{
	PlanDischarge: true,
	PlanDaily:     true,
	PlanWeekly:    true,
	PlanMonthly:   true,
	PlanAdhoc:     true,
}

// PlanTypeForEvent maps a reportable event to its plan type. Unknown events
// fall back to Adhoc.
func PlanTypeForEvent(event string) PlanType {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "discharge", "adtdischarge":
		return PlanDischarge
	case "eod", "daily":
		return PlanDaily
	case "eow", "weekly":
		return PlanWeekly
	case "eom", "monthly":
		return PlanMonthly
	default:
		return PlanAdhoc
	}
}

// QueryPlan is the declarative description of what to query for a facility.
type QueryPlan struct {
	ID                  uuid.UUID `json:"Id"`
	FacilityID          string    `json:"FacilityId"`
	PlanName            string    `json:"PlanName"`
	Type                PlanType  `json:"Type"`
	EHRDescription      string    `json:"EHRDescription,omitempty"`
	LookBack            string    `json:"LookBack,omitempty"`
	InitialQueries      Queries   `json:"InitialQueries"`
	SupplementalQueries Queries   `json:"SupplementalQueries"`
	CreatedAt           time.Time `json:"CreateDate"`
	UpdatedAt           time.Time `json:"ModifyDate"`
}

// Queries returns the mapping for phase.
func (p *QueryPlan) Queries(phase Phase) Queries {
	if phase == PhaseSupplemental {
		return p.SupplementalQueries
	}
	return p.InitialQueries
}

// ReferenceTypes lists the distinct reference resource types of a phase in
// declared order.
func (p *QueryPlan) ReferenceTypes(phase Phase) []string {
	q := p.Queries(phase)
	seen := make(map[string]bool)
	var out []string
	for _, key := range OrderedKeys(q) {
		cfg := q[key]
		if cfg.Type != ConfigReference || seen[cfg.ResourceType] {
			continue
		}
		seen[cfg.ResourceType] = true
		out = append(out, cfg.ResourceType)
	}
	return out
}

// LookBackDuration parses LookBack as an ISO-8601 day/hour period ("P30D",
// "PT12H") or a Go duration. Empty means zero.
func (p *QueryPlan) LookBackDuration() (time.Duration, error) {
	return parseLookBack(p.LookBack)
}

func parseLookBack(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "P") {
		return 0, fmt.Errorf("invalid lookback: %s", s)
	}
	rest := upper[1:]
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range rest {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid lookback: %s", s)
			}
			num = ""
			switch {
			case r == 'D' && !inTime:
				total += time.Duration(n) * 24 * time.Hour
			case r == 'W' && !inTime:
				total += time.Duration(n) * 7 * 24 * time.Hour
			case r == 'H' && inTime:
				total += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				total += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				total += time.Duration(n) * time.Second
			default:
				return 0, fmt.Errorf("invalid lookback: %s", s)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid lookback: %s", s)
	}
	return total, nil
}
