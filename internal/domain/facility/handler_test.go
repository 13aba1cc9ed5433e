package facility

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

const configBody = `{
	"facilityId": "F1",
	"fhirServerBaseUrl": "https://fhir.example.org/R4",
	"maxConcurrentRequests": 2,
	"minAcquisitionPullTime": "20:00",
	"maxAcquisitionPullTime": "04:00",
	"authentication": {"authType": "Basic", "userName": "svc", "password": "hunter2"}
}`

func TestHandler_CreateConfig(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/facilities", strings.NewReader(configBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateConfig(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("response must not contain the password")
	}

	var got AcquisitionConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MaxConcurrentRequests != 2 || got.MinPullTime == nil || got.MinPullTime.String() != "20:00:00" {
		t.Errorf("unexpected config %+v", got)
	}
}

func TestHandler_CreateConfig_Conflict(t *testing.T) {
	h, e := newTestHandler()
	if err := h.svc.CreateConfig(context.Background(), validConfig("F1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/facilities", strings.NewReader(configBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateConfig(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_GetConfig_NotFound(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("facilityId")
	c.SetParamValues("missing")

	err := h.GetConfig(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListConfigs(t *testing.T) {
	h, e := newTestHandler()
	for _, f := range []string{"F1", "F2"} {
		if err := h.svc.CreateConfig(context.Background(), validConfig(f)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListConfigs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Data    []AcquisitionConfig `json:"data"`
		Total   int                 `json:"total"`
		HasMore bool                `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Errorf("unexpected page %+v", body)
	}
}

func TestHandler_DeleteConfig(t *testing.T) {
	h, e := newTestHandler()
	if err := h.svc.CreateConfig(context.Background(), validConfig("F1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("facilityId")
	c.SetParamValues("F1")
	if err := h.DeleteConfig(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
