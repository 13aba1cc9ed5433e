// Package fhirclient performs admission-gated FHIR REST interactions against
// facility endpoints.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ehr/acquisition/internal/platform/admission"
	"github.com/ehr/acquisition/internal/platform/fhir"
	"github.com/ehr/acquisition/internal/platform/serviceinfo"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

const fhirJSON = "application/fhir+json"

// Target is the facility-side endpoint a request is sent to.
type Target struct {
	FacilityID    string
	BaseURL       string
	MaxConcurrent int
	Auth          AuthConfig
}

func (t Target) valid() error {
	if strings.TrimSpace(t.FacilityID) == "" {
		return fmt.Errorf("fhirclient: facility id is required")
	}
	if strings.TrimSpace(t.BaseURL) == "" {
		return fmt.Errorf("fhirclient: base url is required for facility %s", t.FacilityID)
	}
	return nil
}

// Config tunes an Executor. Zero values select defaults.
type Config struct {
	Timeout           time.Duration
	Lease             time.Duration
	RequestsPerSecond float64
	Burst             int
	Info              serviceinfo.Info
}

// Executor issues FHIR reads and searches. Every request holds a lease from
// the facility's admission gate; a search holds one lease across all pages.
type Executor struct {
	gate    admission.Gate
	client  *http.Client
	auth    *Authenticator
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	tracer  trace.Tracer

	lease     time.Duration
	rps       rate.Limit
	burst     int
	userAgent string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewExecutor(gate admission.Gate, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = admission.DefaultLease
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	info := cfg.Info
	if info.Name() == "" {
		info = serviceinfo.New("", "")
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &Executor{
		gate:      gate,
		client:    client,
		auth:      NewAuthenticator(client),
		metrics:   metrics,
		logger:    logger.With().Str("component", "fhirclient").Logger(),
		tracer:    telemetry.Tracer(),
		lease:     cfg.Lease,
		rps:       limit,
		burst:     cfg.Burst,
		userAgent: info.UserAgent(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (e *Executor) limiter(facilityID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[facilityID]
	if !ok {
		l = rate.NewLimiter(e.rps, e.burst)
		e.limiters[facilityID] = l
	}
	return l
}

func (e *Executor) acquire(ctx context.Context, t Target) (*admission.Lease, error) {
	lease, err := e.gate.Acquire(ctx, t.FacilityID, t.MaxConcurrent, e.lease)
	if err != nil {
		return nil, fmt.Errorf("fhirclient: admission for facility %s: %w", t.FacilityID, err)
	}
	lease.KeepAlive(ctx)
	return lease, nil
}

func (e *Executor) release(lease *admission.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		e.logger.Warn().Err(err).Str("facility_id", lease.FacilityID).Str("lease_id", lease.ID).Msg("failed to release admission lease")
	}
}

// Read fetches resourceType/id. A 404 or 410 yields *NotFoundError.
func (e *Executor) Read(ctx context.Context, t Target, resourceType, id string) (json.RawMessage, error) {
	if err := t.valid(); err != nil {
		return nil, err
	}
	if resourceType == "" || id == "" {
		return nil, fmt.Errorf("fhirclient: read requires resource type and id")
	}

	lease, err := e.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer e.release(lease)

	u := joinURL(t.BaseURL, url.PathEscape(resourceType)+"/"+url.PathEscape(id))
	body, status, err := e.get(ctx, t, "read", u)
	if status == http.StatusNotFound || status == http.StatusGone {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	return json.RawMessage(body), nil
}

// SearchFirstPage returns only the first bundle of a search.
func (e *Executor) SearchFirstPage(ctx context.Context, t Target, resourceType, query string) (*fhir.Bundle, error) {
	if err := t.valid(); err != nil {
		return nil, err
	}
	lease, err := e.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer e.release(lease)
	return e.fetchBundle(ctx, t, searchURL(t.BaseURL, resourceType, query))
}

// Search pages through a search lazily. The first bundle is always yielded;
// later bundles only when they carry entries. A failure is logged, yielded
// once, and ends the sequence. Page n+1 is not requested until the consumer
// has taken page n, and a page without a next link ends the traversal.
func (e *Executor) Search(ctx context.Context, t Target, resourceType, query string) iter.Seq2[*fhir.Bundle, error] {
	return func(yield func(*fhir.Bundle, error) bool) {
		if err := t.valid(); err != nil {
			e.logger.Warn().Err(err).Msg("invalid search request")
			return
		}
		log := e.logger.With().Str("facility_id", t.FacilityID).Str("resource_type", resourceType).Logger()

		lease, err := e.acquire(ctx, t)
		if err != nil {
			log.Warn().Err(err).Msg("search not admitted")
			yield(nil, err)
			return
		}
		defer e.release(lease)

		b, err := e.fetchBundle(ctx, t, searchURL(t.BaseURL, resourceType, query))
		if err != nil {
			log.Error().Err(err).Msg("error performing search")
			yield(nil, err)
			return
		}
		if !yield(b, nil) {
			return
		}

		for page := 2; ; page++ {
			next := b.NextLink()
			if next == "" {
				return
			}
			b, err = e.fetchBundle(ctx, t, resolveLink(t.BaseURL, next))
			if err != nil {
				log.Error().Err(err).Int("page", page).Msg("error continuing search")
				yield(nil, err)
				return
			}
			if len(b.Entry) == 0 {
				continue
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

func (e *Executor) fetchBundle(ctx context.Context, t Target, u string) (*fhir.Bundle, error) {
	body, _, err := e.get(ctx, t, "search", u)
	if err != nil {
		return nil, err
	}
	b, err := fhir.ParseBundle(body)
	if err != nil {
		return nil, &FetchError{URL: redact(u), Message: "invalid bundle", Err: err}
	}
	return b, nil
}

// get performs one GET and returns the body of a 2xx response. For other
// statuses it returns the status alongside a *FetchError.
func (e *Executor) get(ctx context.Context, t Target, op, u string) ([]byte, int, error) {
	ctx, span := e.tracer.Start(ctx, "fhir."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("facility.id", t.FacilityID), attribute.String("http.url", redact(u))))
	defer span.End()

	start := time.Now()
	outcome := "error"
	defer func() { e.metrics.FHIRRequest(ctx, t.FacilityID, op, outcome, time.Since(start)) }()

	if err := e.limiter(t.FacilityID).Wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fhirclient: build request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	req.Header.Set("User-Agent", e.userAgent)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if err := e.auth.Apply(ctx, req, t.FacilityID, t.Auth); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "auth")
		return nil, 0, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, 0, &FetchError{URL: redact(u), Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &FetchError{StatusCode: resp.StatusCode, URL: redact(u), Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		e.auth.Invalidate(t.FacilityID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = fmt.Sprintf("%dxx", resp.StatusCode/100)
		span.SetStatus(codes.Error, resp.Status)
		return nil, resp.StatusCode, &FetchError{StatusCode: resp.StatusCode, URL: redact(u), Message: fhir.OutcomeMessage(body)}
	}
	outcome = "ok"
	return body, resp.StatusCode, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func searchURL(base, resourceType, query string) string {
	u := joinURL(base, url.PathEscape(resourceType))
	if query != "" {
		u += "?" + query
	}
	return u
}

// resolveLink makes a relative next link absolute against base.
func resolveLink(base, link string) string {
	ref, err := url.Parse(link)
	if err != nil || ref.IsAbs() {
		return link
	}
	b, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return link
	}
	return b.ResolveReference(ref).String()
}

// redact strips credentials placed in the query string before a URL is logged.
func redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	q := parsed.Query()
	if q.Has(defaultQueryParam) {
		q.Set(defaultQueryParam, "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
