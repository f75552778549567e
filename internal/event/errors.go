package event

import "fmt"

// VersionMismatchError is returned when an envelope's event type carries a
// version suffix that does not match its schema version.
type VersionMismatchError struct {
	EventType     string
	SchemaVersion int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("event type %q does not match schema version %d", e.EventType, e.SchemaVersion)
}

// ChainGapError is returned when an upcaster registration would leave a gap
// in a family's version chain.
type ChainGapError struct {
	Family  string
	Version int
	Want    int
}

func (e *ChainGapError) Error() string {
	return fmt.Sprintf("upcaster for %q registered for version %d, next registrable version is %d", e.Family, e.Version, e.Want)
}

// IncompatibleVersionTransition is returned when no upcaster exists for the
// next step required to bring a payload to the current version.
type IncompatibleVersionTransition struct {
	Family string
	From   int
	To     int
}

func (e *IncompatibleVersionTransition) Error() string {
	return fmt.Sprintf("no upcaster registered for %q v%d -> v%d", e.Family, e.From, e.To)
}

// MissingFieldError is returned when an upcaster cannot locate a field it
// expects in the input payload.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("payload is missing required field %q", e.Field)
}
