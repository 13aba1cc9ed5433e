package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/facility"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/platform/events"
)

// -- facility configs --

type fakeConfigs struct {
	mu      sync.Mutex
	configs map[string]*facility.AcquisitionConfig
}

func (f *fakeConfigs) Create(_ context.Context, c *facility.AcquisitionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.configs[c.FacilityID]; ok {
		return facility.ErrExists
	}
	c.ID = uuid.New()
	cp := *c
	f.configs[c.FacilityID] = &cp
	return nil
}

func (f *fakeConfigs) Get(_ context.Context, id string) (*facility.AcquisitionConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.configs[id]
	if !ok {
		return nil, facility.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConfigs) Update(ctx context.Context, c *facility.AcquisitionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.configs[c.FacilityID] = &cp
	return nil
}

func (f *fakeConfigs) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configs, id)
	return nil
}

func (f *fakeConfigs) List(_ context.Context, limit, offset int) ([]*facility.AcquisitionConfig, int, error) {
	return nil, 0, errors.New("not used")
}

// -- query plans --

type fakePlans struct {
	plans map[string]*queryplan.QueryPlan
}

func planKey(f string, t queryplan.PlanType) string { return f + "/" + string(t) }

func (f *fakePlans) Create(_ context.Context, p *queryplan.QueryPlan) error {
	p.ID = uuid.New()
	f.plans[planKey(p.FacilityID, p.Type)] = p
	return nil
}

func (f *fakePlans) Get(_ context.Context, facilityID string, t queryplan.PlanType) (*queryplan.QueryPlan, error) {
	p, ok := f.plans[planKey(facilityID, t)]
	if !ok {
		return nil, queryplan.ErrNotFound
	}
	return p, nil
}

func (f *fakePlans) Update(_ context.Context, p *queryplan.QueryPlan) error {
	f.plans[planKey(p.FacilityID, p.Type)] = p
	return nil
}

func (f *fakePlans) ListByFacility(_ context.Context, facilityID string) ([]*queryplan.QueryPlan, error) {
	return nil, errors.New("not used")
}

// -- acquisition logs --

type fakeLogs struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*acquisition.WorkItem
}

func cloneItem(w *acquisition.WorkItem) *acquisition.WorkItem {
	cp := *w
	cp.Notes = append([]string(nil), w.Notes...)
	cp.ResourceAcquiredIDs = append([]string(nil), w.ResourceAcquiredIDs...)
	cp.ReferenceResources = append([]acquisition.ReferenceResource(nil), w.ReferenceResources...)
	return &cp
}

func (f *fakeLogs) sorted(match func(*acquisition.WorkItem) bool) []*acquisition.WorkItem {
	var out []*acquisition.WorkItem
	for _, w := range f.items {
		if match(w) {
			out = append(out, cloneItem(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeLogs) Create(_ context.Context, w *acquisition.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	w.ID = f.nextID
	w.CreatedAt = time.Now().UTC()
	w.ModifiedAt = w.CreatedAt
	f.items[w.ID] = cloneItem(w)
	return nil
}

func (f *fakeLogs) Get(_ context.Context, id int64) (*acquisition.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.items[id]
	if !ok {
		return nil, acquisition.ErrNotFound
	}
	return cloneItem(w), nil
}

func (f *fakeLogs) GetForUpdate(ctx context.Context, id int64) (*acquisition.WorkItem, error) {
	return f.Get(ctx, id)
}

func (f *fakeLogs) List(_ context.Context, flt acquisition.Filter, limit, offset int) ([]*acquisition.WorkItem, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sorted(func(w *acquisition.WorkItem) bool {
		return (flt.FacilityID == "" || w.FacilityID == flt.FacilityID) &&
			(flt.Status == "" || w.Status == flt.Status) &&
			(flt.CorrelationID == "" || w.CorrelationID == flt.CorrelationID)
	})
	return all, len(all), nil
}

func (f *fakeLogs) Update(_ context.Context, w *acquisition.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.items[w.ID]
	if !ok {
		return acquisition.ErrNotFound
	}
	if old.Status.Terminal() {
		return acquisition.ErrTerminal
	}
	cp := cloneItem(w)
	cp.RetryAttempts = max(cp.RetryAttempts, old.RetryAttempts)
	cp.TailSent = old.TailSent
	f.items[w.ID] = cp
	return nil
}

func (f *fakeLogs) PendingFacilities(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, w := range f.sorted(func(w *acquisition.WorkItem) bool { return w.Status == acquisition.StatusPending }) {
		if !seen[w.FacilityID] {
			seen[w.FacilityID] = true
			out = append(out, w.FacilityID)
		}
	}
	return out, nil
}

func (f *fakeLogs) NextEligibleBatch(_ context.Context, facilityID string, afterID int64, limit int) ([]*acquisition.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sorted(func(w *acquisition.WorkItem) bool {
		return w.FacilityID == facilityID && w.Status == acquisition.StatusPending && w.ID > afterID
	})
	return out[:min(limit, len(out))], nil
}

func (f *fakeLogs) groups() (map[acquisition.GroupKey][]*acquisition.WorkItem, []acquisition.GroupKey) {
	groups := make(map[acquisition.GroupKey][]*acquisition.WorkItem)
	var order []acquisition.GroupKey
	for _, w := range f.sorted(func(*acquisition.WorkItem) bool { return true }) {
		k := w.Group()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], w)
	}
	return groups, order
}

func (f *fakeLogs) TailingGroups(_ context.Context, limit int) ([]acquisition.GroupKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	groups, order := f.groups()
	var out []acquisition.GroupKey
	for _, k := range order {
		if _, ok := acquisition.BuildTailGroup(k, groups[k]); ok && len(out) < limit {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeLogs) ClaimTailGroup(ctx context.Context, key acquisition.GroupKey, fn acquisition.ClaimFunc) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	groups, _ := f.groups()
	g, ok := acquisition.BuildTailGroup(key, groups[key])
	if !ok {
		return false, nil
	}
	if err := fn(ctx, g); err != nil {
		return false, err
	}
	for _, id := range g.ItemIDs {
		f.items[id].TailSent = true
	}
	return true, nil
}

func (f *fakeLogs) get(t *testing.T, id int64) *acquisition.WorkItem {
	t.Helper()
	w, err := f.Get(context.Background(), id)
	require.NoError(t, err)
	return w
}

// -- transactor and publishers --

type inlineTx struct{}

func (inlineTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// failingPublisher rejects messages for which fail returns true and passes
// the rest to the bus.
type failingPublisher struct {
	bus  *events.MemoryBus
	fail func(events.Message) bool
}

func (p *failingPublisher) Publish(ctx context.Context, msg events.Message) error {
	if p.fail(msg) {
		return errors.New("broker unavailable")
	}
	return p.bus.Publish(ctx, msg)
}

func (p *failingPublisher) Close() error { return nil }

// -- fixture --

type fixture struct {
	logs     *fakeLogs
	configs  *fakeConfigs
	plans    *fakePlans
	bus      *events.MemoryBus
	logSvc   *acquisition.Service
	cfgSvc   *facility.Service
	planSvc  *queryplan.Service
	tx       inlineTx
	logger   zerolog.Logger
	fixedNow time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		logs:     &fakeLogs{items: make(map[int64]*acquisition.WorkItem)},
		configs:  &fakeConfigs{configs: make(map[string]*facility.AcquisitionConfig)},
		plans:    &fakePlans{plans: make(map[string]*queryplan.QueryPlan)},
		bus:      events.NewMemoryBus(zerolog.Nop()),
		logger:   zerolog.Nop(),
		fixedNow: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { f.bus.Close() })
	f.logSvc = acquisition.NewService(f.logs, f.tx)
	f.cfgSvc = facility.NewService(f.configs)
	f.planSvc = queryplan.NewService(f.plans)
	return f
}

func (f *fixture) job(pub events.Publisher, cfg JobConfig) *Job {
	j := NewJob(f.logs, f.tx, f.cfgSvc, pub, nil, f.logger, cfg)
	j.now = func() time.Time { return f.fixedNow }
	return j
}

func (f *fixture) addConfig(t *testing.T, id, baseURL string, window ...facility.TimeOfDay) {
	t.Helper()
	c := &facility.AcquisitionConfig{FacilityID: id, FhirServerBaseURL: baseURL, MaxConcurrentRequests: 2}
	if len(window) == 2 {
		c.MinPullTime, c.MaxPullTime = &window[0], &window[1]
	}
	require.NoError(t, f.cfgSvc.CreateConfig(context.Background(), c))
}

func (f *fixture) addItem(t *testing.T, facilityID, correlationID string, status acquisition.Status) *acquisition.WorkItem {
	t.Helper()
	w := &acquisition.WorkItem{
		FacilityID:       facilityID,
		PatientID:        "P1",
		CorrelationID:    correlationID,
		ReportTrackingID: "R1",
		ReportableEvent:  "Discharge",
		QueryType:        queryplan.QuerySearch,
		QueryPhase:       acquisition.PhaseInitial,
		ScheduledReport:  events.ScheduledReport{ReportTypes: []string{"HYPO"}, Frequency: "Discharge"},
	}
	require.NoError(t, f.logSvc.Create(context.Background(), w))
	if status != acquisition.StatusPending {
		f.logs.mu.Lock()
		f.logs.items[w.ID].Status = status
		f.logs.mu.Unlock()
		w.Status = status
	}
	return w
}
