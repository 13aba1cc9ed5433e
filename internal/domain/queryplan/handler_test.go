package queryplan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

const planBody = `{
	"FacilityId": "F1",
	"PlanName": "discharge",
	"Type": "Discharge",
	"InitialQueries": {
		"0": {"$type": "Acq.ParameterQueryConfig, Acq", "ResourceType": "Encounter",
			"Parameters": [{"Name": "patient", "Variable": "PatientId"}]},
		"1": {"ResourceType": "Location", "OperationType": "Search", "Paged": 50}
	}
}`

func TestHandler_CreatePlan(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query-plans", strings.NewReader(planBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreatePlan(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var p QueryPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if p.InitialQueries["1"].Type != ConfigReference {
		t.Errorf("expected key 1 to decode as a reference config, got %s", p.InitialQueries["1"].Type)
	}
}

func TestHandler_CreatePlan_UnknownVariant(t *testing.T) {
	h, e := newTestHandler()

	body := `{"FacilityId":"F1","PlanName":"x","Type":"Daily","InitialQueries":{"0":{"ResourceType":"Encounter"}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query-plans", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreatePlan(c)
	if err == nil {
		t.Fatal("expected error for undecidable query config")
	}
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetPlan(t *testing.T) {
	h, e := newTestHandler()
	h.svc.CreatePlan(context.Background(), validPlan("F1", PlanDischarge))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("facilityId", "type")
	c.SetParamValues("F1", "Discharge")

	if err := h.GetPlan(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetPlan_NotFound(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("facilityId", "type")
	c.SetParamValues("F1", "Weekly")

	err := h.GetPlan(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListPlans_Empty(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("facilityId")
	c.SetParamValues("F9")

	if err := h.ListPlans(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}
