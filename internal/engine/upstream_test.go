package engine

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/admission"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
)

// upstream is a fake facility FHIR server. Encounters reference Location L1.
type upstream struct {
	srv         *httptest.Server
	observation atomic.Int32
	encounter   atomic.Int32
	failObs     atomic.Bool

	// When hold is set, patient Encounter searches signal entered and wait.
	hold    chan struct{}
	entered chan struct{}
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		switch {
		case r.URL.Path == "/Patient/P1":
			fmt.Fprint(w, `{"resourceType":"Patient","id":"P1"}`)
		case r.URL.Path == "/Encounter" && r.URL.Query().Get("patient") == "P1":
			u.encounter.Add(1)
			if u.hold != nil {
				u.entered <- struct{}{}
				<-u.hold
			}
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[
				{"resource":{"resourceType":"Encounter","id":"E1","location":[{"location":{"reference":"Location/L1"}}]}},
				{"resource":{"resourceType":"Encounter","id":"E2"}}]}`)
		case r.URL.Path == "/Encounter":
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset"}`)
		case r.URL.Path == "/Observation":
			u.observation.Add(1)
			if u.failObs.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			enc := r.URL.Query().Get("encounter")
			var entries []string
			for _, id := range strings.Split(enc, ",") {
				entries = append(entries, fmt.Sprintf(`{"resource":{"resourceType":"Observation","id":"obs-%s"}}`, id))
			}
			fmt.Fprintf(w, `{"resourceType":"Bundle","type":"searchset","entry":[%s]}`, strings.Join(entries, ","))
		case r.URL.Path == "/Location" && r.URL.Query().Get("_id") == "L1":
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[{"resource":{"resourceType":"Location","id":"L1"}}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (f *fixture) acquirer(maxRetries int) *Acquirer {
	client := fhirclient.NewExecutor(admission.NewMemoryGate(), fhirclient.Config{}, nil, zerolog.Nop())
	return NewAcquirer(f.logSvc, f.cfgSvc, client, f.bus, nil, f.logger, maxRetries)
}
