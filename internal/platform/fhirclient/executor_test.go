package fhirclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/acquisition/internal/platform/admission"
	"github.com/ehr/acquisition/internal/platform/fhir"
)

func newTestExecutor(gate admission.Gate) *Executor {
	return NewExecutor(gate, Config{}, nil, zerolog.Nop())
}

// pagedServer serves pages Observation bundles, each pointing at the next.
// Pages listed in empty carry no entries.
func pagedServer(t *testing.T, pages int, empty map[int]bool, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			fmt.Sscanf(p, "%d", &page)
		}
		if page > pages {
			t.Errorf("unexpected fetch of page %d", page)
		}
		link := ""
		if page < pages {
			link = fmt.Sprintf(`,"link":[{"relation":"next","url":"%s/Observation?page=%d"}]`, srv.URL, page+1)
		}
		entry := `,"entry":[{"resource":{"resourceType":"Observation","id":"o` + fmt.Sprint(page) + `"}}]`
		if empty[page] {
			entry = ""
		}
		w.Header().Set("Content-Type", fhirJSON)
		fmt.Fprintf(w, `{"resourceType":"Bundle","type":"searchset"%s%s}`, link, entry)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearch_PagesUntilNoNextLink(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 3, nil, &hits)
	e := newTestExecutor(admission.NewMemoryGate())

	var ids []string
	for b, err := range e.Search(context.Background(), Target{FacilityID: "F1", BaseURL: srv.URL}, "Observation", "patient=P1") {
		require.NoError(t, err)
		for _, raw := range b.Resources() {
			h, err := fhir.ParseHeader(raw)
			require.NoError(t, err)
			ids = append(ids, h.ID)
		}
	}

	assert.Equal(t, []string{"o1", "o2", "o3"}, ids)
	assert.Equal(t, int32(3), hits.Load())
}

func TestSearch_LazyStopsWhenConsumerBreaks(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 5, nil, &hits)
	e := newTestExecutor(admission.NewMemoryGate())

	for range e.Search(context.Background(), Target{FacilityID: "F1", BaseURL: srv.URL}, "Observation", "") {
		break
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestSearch_SkipsEmptyContinuationPages(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 3, map[int]bool{1: true, 2: true}, &hits)
	e := newTestExecutor(admission.NewMemoryGate())

	var got int
	for _, err := range e.Search(context.Background(), Target{FacilityID: "F1", BaseURL: srv.URL}, "Observation", "") {
		require.NoError(t, err)
		got++
	}
	// The first page is yielded even though empty; page 2 is not.
	assert.Equal(t, 2, got)
	assert.Equal(t, int32(3), hits.Load())
}

func TestSearch_ErrorEndsSequence(t *testing.T) {
	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"resourceType":"Bundle","link":[{"relation":"next","url":"%s/Condition?page=2"}],"entry":[{"resource":{"resourceType":"Condition","id":"c1"}}]}`, srv.URL)
	}))
	defer srv.Close()
	e := newTestExecutor(admission.NewMemoryGate())

	var bundles, errs int
	var last error
	for b, err := range e.Search(context.Background(), Target{FacilityID: "F1", BaseURL: srv.URL}, "Condition", "") {
		if err != nil {
			errs++
			last = err
			continue
		}
		require.NotNil(t, b)
		bundles++
	}

	assert.Equal(t, 1, bundles)
	assert.Equal(t, 1, errs)
	var fe *FetchError
	require.ErrorAs(t, last, &fe)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	assert.True(t, IsTransient(last))
	assert.Equal(t, int32(2), hits.Load())
}

func TestSearch_InvalidTargetYieldsNothing(t *testing.T) {
	e := newTestExecutor(admission.NewMemoryGate())
	n := 0
	for range e.Search(context.Background(), Target{FacilityID: "F1"}, "Patient", "") {
		n++
	}
	assert.Zero(t, n)
}

func TestSearch_HoldsOneLeaseAcrossPages(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 2, nil, &hits)
	gate := admission.NewMemoryGate()
	e := newTestExecutor(gate)

	for _, err := range e.Search(context.Background(), Target{FacilityID: "F1", BaseURL: srv.URL, MaxConcurrent: 1}, "Observation", "") {
		require.NoError(t, err)
		assert.Equal(t, 1, gate.Held("F1"))
	}
	assert.Equal(t, 0, gate.Held("F1"))
}

func TestSearch_SlowTraversalKeepsLease(t *testing.T) {
	var hits atomic.Int32
	srv := pagedServer(t, 3, nil, &hits)
	gate := admission.NewMemoryGate()
	e := NewExecutor(gate, Config{Lease: 60 * time.Millisecond}, nil, zerolog.Nop())

	pages := 0
	for _, err := range e.Search(context.Background(), Target{FacilityID: "F1", BaseURL: srv.URL, MaxConcurrent: 1}, "Observation", "") {
		require.NoError(t, err)
		pages++
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, gate.Held("F1"), "lease must outlive its duration while the search runs")
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, 0, gate.Held("F1"))
}

func TestRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fhir/Patient/P1":
			assert.Equal(t, fhirJSON, r.Header.Get("Accept"))
			assert.NotEmpty(t, r.Header.Get("User-Agent"))
			fmt.Fprint(w, `{"resourceType":"Patient","id":"P1"}`)
		case "/fhir/Patient/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"no such patient"}]}`)
		}
	}))
	defer srv.Close()
	e := newTestExecutor(admission.NewMemoryGate())
	target := Target{FacilityID: "F1", BaseURL: srv.URL + "/fhir/"}

	raw, err := e.Read(context.Background(), target, "Patient", "P1")
	require.NoError(t, err)
	h, err := fhir.ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, "P1", h.ID)

	for _, id := range []string{"missing", "gone"} {
		_, err = e.Read(context.Background(), target, "Patient", id)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf, id)
		assert.Equal(t, id, nf.ID)
		assert.False(t, IsTransient(err))
	}
}

func TestRead_ContextCanceledWhileWaitingForGate(t *testing.T) {
	gate := admission.NewMemoryGate()
	held, err := gate.Acquire(context.Background(), "F1", 1, admission.DefaultLease)
	require.NoError(t, err)
	defer held.Release(context.Background())

	e := newTestExecutor(gate)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Read(ctx, Target{FacilityID: "F1", BaseURL: "http://unused", MaxConcurrent: 1}, "Patient", "P1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransient(err))
}

func TestResolveLink(t *testing.T) {
	assert.Equal(t, "http://h/fhir/Patient?page=2", resolveLink("http://h/fhir", "Patient?page=2"))
	assert.Equal(t, "http://other/x", resolveLink("http://h/fhir", "http://other/x"))
}
