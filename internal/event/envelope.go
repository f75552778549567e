package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata carries correlation information across the pipeline. It is
// propagated end to end and never interpreted by the delivery core.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// Envelope is the versioned, immutable unit of event transfer. It is created
// once by the producing transaction and never updated in place.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	SchemaVersion int       `json:"schema_version"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       Payload   `json:"payload"`
	Metadata      Metadata  `json:"metadata"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// FormatType composes an event type string from a family and version,
// e.g. ("session.created", 2) -> "session.created.v2".
func FormatType(family string, version int) string {
	return fmt.Sprintf("%s.v%d", family, version)
}

// ParseType splits an event type into its family and version. Legacy event
// types without a version suffix are treated as version 1 of their family.
func ParseType(eventType string) (string, int) {
	idx := strings.LastIndex(eventType, ".v")
	if idx < 0 {
		return eventType, 1
	}
	n, err := strconv.Atoi(eventType[idx+2:])
	if err != nil || n < 1 {
		return eventType, 1
	}
	return eventType[:idx], n
}

// New constructs an envelope for a family at the given schema version. The
// event id and occurrence time are assigned once, here.
func New(family string, version int, aggregateType, aggregateID string, payload Payload, meta Metadata) (*Envelope, error) {
	env := &Envelope{
		EventID:       uuid.New().String(),
		EventType:     FormatType(family, version),
		SchemaVersion: version,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
		Metadata:      meta,
		OccurredAt:    time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate enforces the construction invariant: the version suffix of the
// event type must equal the schema version.
func (e *Envelope) Validate() error {
	_, v := ParseType(e.EventType)
	if v != e.SchemaVersion {
		return &VersionMismatchError{EventType: e.EventType, SchemaVersion: e.SchemaVersion}
	}
	return nil
}

// Family returns the event family, i.e. the type without its version suffix.
func (e *Envelope) Family() string {
	family, _ := ParseType(e.EventType)
	return family
}

// WithVersion derives a new envelope at the given schema version with the
// given payload. Everything else is carried over; the original is untouched.
func (e *Envelope) WithVersion(version int, payload Payload) *Envelope {
	derived := *e
	derived.EventType = FormatType(e.Family(), version)
	derived.SchemaVersion = version
	derived.Payload = payload
	return &derived
}
