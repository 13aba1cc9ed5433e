// Package events defines the topics and payloads exchanged with sibling
// services and the Publisher/Consumer boundary the engine talks through.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/acquisition/internal/platform/serviceinfo"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

const (
	TopicDataAcquisitionRequested = "DataAcquisitionRequested"
	TopicReadyToAcquire           = "ReadyToAcquire"
	TopicResourceAcquired         = "ResourceAcquired"

	deadLetterSuffix = "-Error"
)

const (
	HeaderCorrelationID    = "X-Correlation-Id"
	HeaderTraceParent      = "traceparent"
	HeaderServiceName      = "X-Service-Name"
	HeaderExceptionMessage = "X-Exception-Message"
	HeaderFacilityID       = "X-Facility-Id"
)

// DeadLetterTopic names the topic that receives messages of topic which
// cannot succeed on retry.
func DeadLetterTopic(topic string) string { return topic + deadLetterSuffix }

// Message is one record on a topic. Key is the partitioning key, normally the
// facility id.
type Message struct {
	ID      string            `json:"id,omitempty"`
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Value   json.RawMessage   `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one message. A nil return acknowledges it. An error
// satisfying IsDeadLetter routes it to the dead-letter topic; any other error
// leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Consumer delivers messages of a topic to a handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, topic string, h Handler) error
}

// Bus is a backend that both publishes and consumes.
type Bus interface {
	Publisher
	Consumer
}

// deadLetter is implemented by errors that must not be retried.
type deadLetter interface {
	DeadLetter() bool
}

// IsDeadLetter reports whether err, or any error it wraps, is permanent.
func IsDeadLetter(err error) bool {
	var dl deadLetter
	return errors.As(err, &dl) && dl.DeadLetter()
}

// NewMessage encodes payload and stamps the service-name and trace headers.
// Extra headers are copied over the stamped ones.
func NewMessage(ctx context.Context, topic, key string, payload any, headers map[string]string) (Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	h := make(map[string]string, len(headers)+2)
	h[HeaderServiceName] = serviceinfo.FromContext(ctx).Name()
	telemetry.Inject(ctx, h)
	for k, v := range headers {
		if v != "" {
			h[k] = v
		}
	}
	return Message{Topic: topic, Key: key, Value: value, Headers: h}, nil
}

// Decode unmarshals the message value into T.
func Decode[T any](m Message) (T, error) {
	var v T
	if err := json.Unmarshal(m.Value, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", m.Topic, err)
	}
	return v, nil
}

// ContextFrom returns ctx carrying the trace context of m's headers.
func ContextFrom(ctx context.Context, m Message) context.Context {
	if m.Headers == nil {
		return ctx
	}
	return telemetry.Extract(ctx, m.Headers)
}

// deadLetterMessage copies m onto its dead-letter topic with the failure.
func deadLetterMessage(m Message, cause error) Message {
	h := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		h[k] = v
	}
	h[HeaderExceptionMessage] = cause.Error()
	return Message{Topic: DeadLetterTopic(m.Topic), Key: m.Key, Value: m.Value, Headers: h}
}

// ScheduledReport describes the reporting unit a work item contributes to.
type ScheduledReport struct {
	ReportTypes []string  `json:"reportTypes"`
	Frequency   string    `json:"frequency"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
}

// ReadyToAcquire is published for every promoted work item.
type ReadyToAcquire struct {
	WorkItemID string `json:"workItemId"`
	FacilityID string `json:"facilityId"`
}

// ResourceAcquired carries one acquired resource, or with AcquisitionComplete
// set and a null Resource, the completion signal of a sibling group.
type ResourceAcquired struct {
	Resource            json.RawMessage   `json:"resource"`
	QueryType           string            `json:"queryType"`
	ScheduledReports    []ScheduledReport `json:"scheduledReports"`
	ReportableEvent     string            `json:"reportableEvent"`
	AcquisitionComplete bool              `json:"acquisitionComplete"`
	PatientID           string            `json:"patientId"`
	ResourceIDs         []string          `json:"resourceIds,omitempty"`
}

// DataAcquisitionRequested triggers creation of work items for a patient.
type DataAcquisitionRequested struct {
	PatientID        string            `json:"patientId"`
	ReportableEvent  string            `json:"reportableEvent"`
	ScheduledReports []ScheduledReport `json:"scheduledReports"`
	QueryType        string            `json:"queryType"`
}
