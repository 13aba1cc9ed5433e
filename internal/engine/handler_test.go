package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/acquisition/internal/domain/acquisition"
)

func TestHandler_RunJob(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, "F1", "https://fhir.example.org")
	f.addItem(t, "F1", "C1", acquisition.StatusPending)
	f.addItem(t, "F9", "C2", acquisition.StatusPending)

	h := NewHandler(f.job(f.bus, JobConfig{}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/acquisition/job/run", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	require.NoError(t, h.RunJob(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var res RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, RunResult{Promoted: 1, Failed: 1, Tails: 1}, res)
}
