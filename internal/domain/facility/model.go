package facility

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/acquisition/internal/platform/fhirclient"
)

// TimeOfDay is an offset from midnight, encoded as "HH:MM:SS".
type TimeOfDay time.Duration

const day = 24 * time.Hour

func NewTimeOfDay(h, m, s int) TimeOfDay {
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day: %q", s)
}

// Of returns the UTC time of day of t.
func Of(t time.Time) TimeOfDay {
	t = t.UTC()
	return TimeOfDay(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond()))
}

func (d TimeOfDay) String() string {
	total := time.Duration(d)
	h := total / time.Hour
	total -= h * time.Hour
	m := total / time.Minute
	total -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, total/time.Second)
}

func (d TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*d = t
	return nil
}

// PullWindow is the UTC daily window in which work items may be promoted.
// An unset bound is open.
type PullWindow struct {
	Min *TimeOfDay
	Max *TimeOfDay
}

// Allows reports whether t falls inside the window. A window whose minimum
// is after its maximum wraps midnight.
func (w PullWindow) Allows(t time.Time) bool {
	if w.Min == nil && w.Max == nil {
		return true
	}
	lo, hi := TimeOfDay(0), TimeOfDay(day-1)
	if w.Min != nil {
		lo = *w.Min
	}
	if w.Max != nil {
		hi = *w.Max
	}
	now := Of(t)
	if lo <= hi {
		return now >= lo && now <= hi
	}
	return now >= lo || now <= hi
}

// AcquisitionConfig holds the connection settings for one facility's FHIR
// server.
type AcquisitionConfig struct {
	ID                    uuid.UUID             `json:"id"`
	FacilityID            string                `json:"facilityId"`
	FhirServerBaseURL     string                `json:"fhirServerBaseUrl"`
	Auth                  fhirclient.AuthConfig `json:"authentication"`
	MaxConcurrentRequests int                   `json:"maxConcurrentRequests"`
	MinPullTime           *TimeOfDay            `json:"minAcquisitionPullTime,omitempty"`
	MaxPullTime           *TimeOfDay            `json:"maxAcquisitionPullTime,omitempty"`
	TimeZone              string                `json:"timeZone,omitempty"`
	CreatedAt             time.Time             `json:"createDate"`
	ModifiedAt            time.Time             `json:"modifyDate"`
}

func (c *AcquisitionConfig) Validate() error {
	if strings.TrimSpace(c.FacilityID) == "" {
		return fmt.Errorf("facility id is required")
	}
	u, err := url.Parse(c.FhirServerBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("fhirServerBaseUrl must be an absolute http(s) url")
	}
	if c.MaxConcurrentRequests < 0 {
		return fmt.Errorf("maxConcurrentRequests must not be negative")
	}
	for _, p := range []*TimeOfDay{c.MinPullTime, c.MaxPullTime} {
		if p != nil && (*p < 0 || time.Duration(*p) >= day) {
			return fmt.Errorf("pull time %s is outside the day", p)
		}
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return fmt.Errorf("invalid time zone: %s", c.TimeZone)
		}
	}
	return c.Auth.Validate()
}

func (c *AcquisitionConfig) applyDefaults() {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 1
	}
	if c.Auth.Type == "" {
		c.Auth.Type = fhirclient.AuthNone
	}
	if t, err := fhirclient.ParseAuthType(string(c.Auth.Type)); err == nil {
		c.Auth.Type = t
	}
}

func (c *AcquisitionConfig) Window() PullWindow {
	return PullWindow{Min: c.MinPullTime, Max: c.MaxPullTime}
}

// Target is the executor's view of the facility endpoint.
func (c *AcquisitionConfig) Target() fhirclient.Target {
	return fhirclient.Target{
		FacilityID:    c.FacilityID,
		BaseURL:       c.FhirServerBaseURL,
		MaxConcurrent: c.MaxConcurrentRequests,
		Auth:          c.Auth,
	}
}

// shiftZone converts a time of day between zones using the offset in force
// on the given date.
func shiftZone(d *TimeOfDay, from, to *time.Location, on time.Time) *TimeOfDay {
	if d == nil {
		return nil
	}
	y, m, dd := on.In(from).Date()
	local := time.Date(y, m, dd, 0, 0, 0, 0, from).Add(time.Duration(*d)).In(to)
	out := NewTimeOfDay(local.Hour(), local.Minute(), local.Second())
	return &out
}

// toUTC converts pull times entered in the facility's zone to UTC.
func (c *AcquisitionConfig) toUTC(now time.Time) {
	if c.TimeZone == "" {
		return
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return
	}
	c.MinPullTime = shiftZone(c.MinPullTime, loc, time.UTC, now)
	c.MaxPullTime = shiftZone(c.MaxPullTime, loc, time.UTC, now)
}

// InLocal returns a copy with pull times expressed in the facility's zone.
func (c AcquisitionConfig) InLocal(now time.Time) AcquisitionConfig {
	if c.TimeZone == "" {
		return c
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return c
	}
	c.MinPullTime = shiftZone(c.MinPullTime, time.UTC, loc, now)
	c.MaxPullTime = shiftZone(c.MaxPullTime, time.UTC, loc, now)
	return c
}
