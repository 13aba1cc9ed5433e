package main

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/config"
	"github.com/ehr/acquisition/internal/platform/admission"
	"github.com/ehr/acquisition/internal/platform/serviceinfo"
)

func TestPlanFormat(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"plans/discharge.json", "json", false},
		{"plans/discharge.YAML", "yaml", false},
		{"discharge.yml", "yaml", false},
		{"discharge.toml", "", true},
		{"discharge", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := planFormat(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("planFormat(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("planFormat(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestReadPlans_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	doc := `
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
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	plans, err := readPlans(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plans) != 1 || plans[0].FacilityID != "F1" {
		t.Fatalf("expected one plan for F1, got %+v", plans)
	}
	if err := plans[0].Validate(); err != nil {
		t.Errorf("expected plan to validate: %v", err)
	}
}

func TestReadPlans_MissingFile(t *testing.T) {
	if _, err := readPlans(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMigrationSource_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationSource(""), ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name() == "001_acquisition.sql" {
			found = true
		}
	}
	if !found {
		t.Error("expected 001_acquisition.sql in embedded migrations")
	}
}

func testApp() *app {
	return &app{
		cfg: &config.Config{
			Env:            "development",
			GateBackend:    "memory",
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 100,
		},
		logger: zerolog.Nop(),
		info:   serviceinfo.New("acquisition-server", "test"),
		gate:   admission.NewTracked(admission.NewMemoryGate(), admission.NewRegistry(), nil),
	}
}

func TestServer_Health(t *testing.T) {
	e := newEcho(testApp())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "test" || body["service"] != "acquisition-server" {
		t.Errorf("unexpected body: %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestServer_GateHealthListsLeases(t *testing.T) {
	a := testApp()
	lease, err := a.gate.Acquire(t.Context(), "F1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(t.Context())

	e := newEcho(a)
	req := httptest.NewRequest(http.MethodGet, "/health/gate", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Backend string                             `json:"backend"`
		Leases  map[string][]admission.LeaseInfo `json:"leases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", body.Backend)
	}
	if len(body.Leases["F1"]) != 1 {
		t.Errorf("expected one lease for F1, got %v", body.Leases)
	}
}
