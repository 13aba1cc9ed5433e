package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/facility"
	"github.com/ehr/acquisition/internal/platform/events"
)

func TestJob_MissingConfigFailsItem(t *testing.T) {
	f := newFixture(t)
	w := f.addItem(t, "F9", "C1", acquisition.StatusPending)

	res, err := f.job(f.bus, JobConfig{}).RunOnce(context.Background())
	require.NoError(t, err)

	got := f.logs.get(t, w.ID)
	assert.Equal(t, acquisition.StatusFailed, got.Status)
	require.Len(t, got.Notes, 1)
	assert.Contains(t, got.Notes[0], "no acquisition configuration found for facility F9")
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, f.bus.Published(events.TopicReadyToAcquire))
}

func TestJob_ClosedWindowLeavesPending(t *testing.T) {
	f := newFixture(t)
	// fixedNow is 12:00 UTC
	f.addConfig(t, "F1", "https://fhir.example.org", facility.NewTimeOfDay(20, 0, 0), facility.NewTimeOfDay(4, 0, 0))
	w := f.addItem(t, "F1", "C1", acquisition.StatusPending)

	res, err := f.job(f.bus, JobConfig{}).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, acquisition.StatusPending, f.logs.get(t, w.ID).Status)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.bus.Published(events.TopicReadyToAcquire))
}

func TestJob_PromotesAndPublishesReady(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, "F1", "https://fhir.example.org", facility.NewTimeOfDay(11, 0, 0), facility.NewTimeOfDay(13, 0, 0))
	w := f.addItem(t, "F1", "C1", acquisition.StatusPending)

	res, err := f.job(f.bus, JobConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)

	got := f.logs.get(t, w.ID)
	assert.Equal(t, acquisition.StatusReady, got.Status)
	require.NotNil(t, got.ExecutionDate)
	assert.True(t, got.ExecutionDate.Equal(f.fixedNow))

	msgs := f.bus.Published(events.TopicReadyToAcquire)
	require.Len(t, msgs, 1)
	assert.Equal(t, "F1", msgs[0].Key)
	assert.Equal(t, "C1", msgs[0].Header(events.HeaderCorrelationID))
	payload, err := events.Decode[events.ReadyToAcquire](msgs[0])
	require.NoError(t, err)
	assert.Equal(t, events.ReadyToAcquire{WorkItemID: fmt.Sprint(w.ID), FacilityID: "F1"}, payload)
}

func TestJob_PublishFailureFailsItem(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, "F1", "https://fhir.example.org")
	bad := f.addItem(t, "F1", "C1", acquisition.StatusPending)
	good := f.addItem(t, "F1", "C2", acquisition.StatusPending)

	pub := &failingPublisher{bus: f.bus, fail: func(m events.Message) bool {
		return m.Header(events.HeaderCorrelationID) == "C1"
	}}
	res, err := f.job(pub, JobConfig{}).RunOnce(context.Background())
	require.NoError(t, err)

	failed := f.logs.get(t, bad.ID)
	assert.Equal(t, acquisition.StatusFailed, failed.Status)
	require.Len(t, failed.Notes, 1)
	assert.Contains(t, failed.Notes[0], "failed to produce ReadyToAcquire message: broker unavailable")

	assert.Equal(t, acquisition.StatusReady, f.logs.get(t, good.ID).Status)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, 1, res.Failed)
}

func TestJob_PromotesAcrossBatches(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, "F1", "https://fhir.example.org")
	f.addConfig(t, "F2", "https://fhir2.example.org")
	for i := range 7 {
		f.addItem(t, "F1", fmt.Sprintf("C%d", i), acquisition.StatusPending)
	}
	f.addItem(t, "F2", "D1", acquisition.StatusPending)

	res, err := f.job(f.bus, JobConfig{BatchSize: 3, FacilityParallelism: 2}).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, res.Promoted)
	assert.Len(t, f.bus.Published(events.TopicReadyToAcquire), 8)
	pending, _ := f.logs.PendingFacilities(context.Background())
	assert.Empty(t, pending)
}

func TestJob_TailEmitsOncePerGroup(t *testing.T) {
	f := newFixture(t)
	a := f.addItem(t, "F1", "C1", acquisition.StatusCompleted)
	b := f.addItem(t, "F1", "C1", acquisition.StatusFailed)
	f.logs.items[a.ID].ResourceAcquiredIDs = []string{"Patient/P1", "Encounter/E1"}
	f.logs.items[b.ID].ResourceAcquiredIDs = []string{"Encounter/E1"}
	f.logs.items[a.ID].TraceID = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	job := f.job(f.bus, JobConfig{})
	res, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tails)

	msgs := f.bus.Published(events.TopicResourceAcquired)
	require.Len(t, msgs, 1)
	assert.Equal(t, "F1", msgs[0].Key)
	assert.Equal(t, "C1", msgs[0].Header(events.HeaderCorrelationID))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msgs[0].Header(events.HeaderTraceParent))
	assert.Contains(t, string(msgs[0].Value), `"resource":null`)

	payload, err := events.Decode[events.ResourceAcquired](msgs[0])
	require.NoError(t, err)
	assert.True(t, payload.AcquisitionComplete)
	assert.Equal(t, "Initial", payload.QueryType)
	assert.Equal(t, "P1", payload.PatientID)
	assert.Equal(t, []string{"Patient/P1", "Encounter/E1"}, payload.ResourceIDs)
	require.Len(t, payload.ScheduledReports, 1)

	assert.True(t, f.logs.get(t, a.ID).TailSent)
	assert.True(t, f.logs.get(t, b.ID).TailSent)

	res, err = job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Tails)
	assert.Len(t, f.bus.Published(events.TopicResourceAcquired), 1)
}

func TestJob_TailWaitsForEverySibling(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "F1", "C1", acquisition.StatusCompleted)
	for _, s := range []acquisition.Status{acquisition.StatusPending, acquisition.StatusReady, acquisition.StatusProcessing} {
		t.Run(string(s), func(t *testing.T) {
			w := f.addItem(t, "F1", "C1", s)
			_, err := f.job(f.bus, JobConfig{}).tail(context.Background())
			require.NoError(t, err)
			assert.Empty(t, f.bus.Published(events.TopicResourceAcquired))
			f.logs.items[w.ID].Status = acquisition.StatusCompleted
		})
	}

	n, err := f.job(f.bus, JobConfig{}).tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJob_TailPublishFailureLeavesGroupUnflagged(t *testing.T) {
	f := newFixture(t)
	a := f.addItem(t, "F1", "C1", acquisition.StatusCompleted)
	c := f.addItem(t, "F1", "C2", acquisition.StatusCompleted)

	pub := &failingPublisher{bus: f.bus, fail: func(m events.Message) bool {
		return m.Header(events.HeaderCorrelationID) == "C1"
	}}
	n, err := f.job(pub, JobConfig{}).tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.logs.get(t, a.ID).TailSent)
	assert.True(t, f.logs.get(t, c.ID).TailSent)

	n, err = f.job(f.bus, JobConfig{}).tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.logs.get(t, a.ID).TailSent)

	var correlations []string
	for _, m := range f.bus.Published(events.TopicResourceAcquired) {
		correlations = append(correlations, m.Header(events.HeaderCorrelationID))
	}
	assert.Equal(t, "C2,C1", strings.Join(correlations, ","))
}

func TestJob_TailCountsLateMember(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "F1", "C1", acquisition.StatusCompleted)
	job := f.job(f.bus, JobConfig{})
	n, err := job.tail(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	late := f.addItem(t, "F1", "C1", acquisition.StatusCompleted)
	f.logs.items[late.ID].ResourceAcquiredIDs = []string{"Observation/O9"}
	n, err = job.tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := f.bus.Published(events.TopicResourceAcquired)
	require.Len(t, msgs, 2)
	payload, err := events.Decode[events.ResourceAcquired](msgs[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"Observation/O9"}, payload.ResourceIDs)
}
