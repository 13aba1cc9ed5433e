package queryplan

import (
	"strings"
	"testing"
)

func TestDecodeDocuments_JSONArray(t *testing.T) {
	in := `[` + planBody + `,` + strings.Replace(planBody, `"Discharge"`, `"Daily"`, 1) + `]`
	plans, err := DecodeDocuments(strings.NewReader(in), "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	if plans[1].Type != PlanDaily {
		t.Errorf("expected Daily, got %s", plans[1].Type)
	}
}

func TestDecodeDocuments_YAMLMultiDoc(t *testing.T) {
	in := `
FacilityId: F1
PlanName: discharge
Type: Discharge
LookBack: P2D
InitialQueries:
  "0":
    QueryConfigType: Parameter
    ResourceType: Encounter
    Parameters:
      - ParameterType: Variable
        Name: patient
        Variable: PatientId
  "1":
    QueryConfigType: Parameter
    ResourceType: Observation
    Parameters:
      - ParameterType: ResourceIds
        Name: encounter
        Resource: Encounter
        Paged: "25"
---
FacilityId: F1
PlanName: eom
Type: Monthly
InitialQueries:
  "0":
    ResourceType: Condition
    Parameters:
      - Name: clinical-status
        Literal: active
`
	plans, err := DecodeDocuments(strings.NewReader(in), "yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	obs := plans[0].InitialQueries["1"]
	if len(obs.Parameters) != 1 || obs.Parameters[0].PageSize != 25 {
		t.Errorf("expected ResourceIds page size 25, got %+v", obs.Parameters)
	}
	if err := plans[0].Validate(); err != nil {
		t.Errorf("expected first plan to validate: %v", err)
	}
	lit := plans[1].InitialQueries["0"].Parameters[0]
	if lit.Type != ParameterLiteral || lit.Literal != "active" {
		t.Errorf("expected literal parameter, got %+v", lit)
	}
}

func TestDecodeDocuments_UnsupportedFormat(t *testing.T) {
	if _, err := DecodeDocuments(strings.NewReader("{}"), "xml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
