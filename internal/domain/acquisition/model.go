// Package acquisition holds the acquisition work-item ledger: its state
// machine, store and admin API.
package acquisition

import (
	"fmt"
	"slices"
	"time"

	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/platform/events"
)

type Status string

const (
	StatusPending           Status = "Pending"
	StatusReady             Status = "Ready"
	StatusProcessing        Status = "Processing"
	StatusCompleted         Status = "Completed"
	StatusFailed            Status = "Failed"
	StatusMaxRetriesReached Status = "MaxRetriesReached"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusMaxRetriesReached
}

func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusPending, StatusReady, StatusProcessing, StatusCompleted, StatusFailed, StatusMaxRetriesReached} {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid status: %s", s)
}

// Priority is an ordering hint only.
type Priority string

const (
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

type QueryPhase string

const (
	PhaseInitial      QueryPhase = "Initial"
	PhaseSupplemental QueryPhase = "Supplemental"
	PhaseReferential  QueryPhase = "Referential"
	PhasePolling      QueryPhase = "Polling"
	PhaseMonitoring   QueryPhase = "Monitoring"
)

// ReferenceResource records a related resource pulled by following a
// reference found in the item's results.
type ReferenceResource struct {
	ResourceType string     `json:"resourceType"`
	ResourceID   string     `json:"resourceId"`
	QueryPhase   QueryPhase `json:"queryPhase"`
}

// WorkItem is one unit of scheduled acquisition work.
type WorkItem struct {
	ID                   int64                     `json:"id"`
	FacilityID           string                    `json:"facilityId"`
	PatientID            string                    `json:"patientId,omitempty"`
	CorrelationID        string                    `json:"correlationId"`
	ReportTrackingID     string                    `json:"reportTrackingId"`
	Priority             Priority                  `json:"priority"`
	ReportableEvent      string                    `json:"reportableEvent"`
	QueryType            queryplan.QueryType       `json:"queryType"`
	QueryPhase           QueryPhase                `json:"queryPhase"`
	Status               Status                    `json:"status"`
	ExecutionDate        *time.Time                `json:"executionDate,omitempty"`
	RetryAttempts        int                       `json:"retryAttempts"`
	CompletionDate       *time.Time                `json:"completionDate,omitempty"`
	CompletionTimeMillis *int64                    `json:"completionTimeMilliseconds,omitempty"`
	ResourceAcquiredIDs  []string                  `json:"resourceAcquiredIds"`
	ReferenceResources   []ReferenceResource       `json:"referenceResources"`
	Notes                []string                  `json:"notes"`
	ScheduledReport      events.ScheduledReport    `json:"scheduledReport"`
	Queries              []queryplan.ResolvedQuery `json:"fhirQuery"`
	TraceID              string                    `json:"traceId,omitempty"`
	TailSent             bool                      `json:"tailSent"`
	CreatedAt            time.Time                 `json:"createDate"`
	ModifiedAt           time.Time                 `json:"modifyDate"`
}

// AddResourceIDs records acquired resource ids, keeping them distinct and in
// first-seen order.
func (w *WorkItem) AddResourceIDs(ids ...string) {
	for _, id := range ids {
		if id != "" && !slices.Contains(w.ResourceAcquiredIDs, id) {
			w.ResourceAcquiredIDs = append(w.ResourceAcquiredIDs, id)
		}
	}
}

// AddReference records a reference resource once.
func (w *WorkItem) AddReference(r ReferenceResource) {
	if !slices.Contains(w.ReferenceResources, r) {
		w.ReferenceResources = append(w.ReferenceResources, r)
	}
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	FacilityID    string
	Status        Status
	CorrelationID string
	PatientID     string
}

// GroupKey identifies a sibling group: the items whose completion is
// reported by a single signal.
type GroupKey struct {
	FacilityID       string `json:"facilityId"`
	CorrelationID    string `json:"correlationId"`
	ReportTrackingID string `json:"reportTrackingId"`
}

func (w *WorkItem) Group() GroupKey {
	return GroupKey{FacilityID: w.FacilityID, CorrelationID: w.CorrelationID, ReportTrackingID: w.ReportTrackingID}
}

// TailGroup is the aggregated view of a sibling group's unflagged items.
type TailGroup struct {
	Key             GroupKey
	ItemIDs         []int64
	PatientID       string
	QueryPhase      QueryPhase
	ReportableEvent string
	ScheduledReport events.ScheduledReport
	ResourceIDs     []string
	TraceID         string
}

// BuildTailGroup aggregates the siblings of one group. It returns false when
// any sibling is not terminal or every sibling is already flagged. Items must
// be ordered by id.
func BuildTailGroup(key GroupKey, items []*WorkItem) (TailGroup, bool) {
	g := TailGroup{Key: key}
	seen := make(map[string]bool)
	for _, w := range items {
		if !w.Status.Terminal() {
			return TailGroup{}, false
		}
		if w.TailSent {
			continue
		}
		if len(g.ItemIDs) == 0 {
			g.PatientID = w.PatientID
			g.QueryPhase = w.QueryPhase
			g.ReportableEvent = w.ReportableEvent
			g.ScheduledReport = w.ScheduledReport
		}
		if g.TraceID == "" {
			g.TraceID = w.TraceID
		}
		g.ItemIDs = append(g.ItemIDs, w.ID)
		for _, id := range w.ResourceAcquiredIDs {
			if !seen[id] {
				seen[id] = true
				g.ResourceIDs = append(g.ResourceIDs, id)
			}
		}
	}
	return g, len(g.ItemIDs) > 0
}
