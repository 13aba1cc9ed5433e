package admission

import (
	"sort"
	"sync"
	"time"
)

// LeaseInfo describes a live in-process lease.
type LeaseInfo struct {
	ID         string    `json:"id"`
	FacilityID string    `json:"facilityId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Registry tracks the leases held by this process, keyed by facility.
type Registry struct {
	facilities sync.Map // facility id -> *sync.Map of lease id -> LeaseInfo
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(info LeaseInfo) {
	set, _ := r.facilities.LoadOrStore(info.FacilityID, &sync.Map{})
	set.(*sync.Map).Store(info.ID, info)
}

func (r *Registry) Deregister(facilityID, leaseID string) {
	if set, ok := r.facilities.Load(facilityID); ok {
		set.(*sync.Map).Delete(leaseID)
	}
}

// ListByFacility returns the facility's leases ordered by acquisition time.
func (r *Registry) ListByFacility(facilityID string) []LeaseInfo {
	set, ok := r.facilities.Load(facilityID)
	if !ok {
		return nil
	}
	var out []LeaseInfo
	set.(*sync.Map).Range(func(_, v any) bool {
		out = append(out, v.(LeaseInfo))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// Facilities lists facilities with at least one live lease.
func (r *Registry) Facilities() []string {
	var out []string
	r.facilities.Range(func(k, v any) bool {
		empty := true
		v.(*sync.Map).Range(func(_, _ any) bool {
			empty = false
			return false
		})
		if !empty {
			out = append(out, k.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Snapshot returns every facility's leases.
func (r *Registry) Snapshot() map[string][]LeaseInfo {
	out := make(map[string][]LeaseInfo)
	for _, f := range r.Facilities() {
		out[f] = r.ListByFacility(f)
	}
	return out
}
