package consumer

import (
	"context"
	"testing"

	"example.com/backstage/services/dashboard/internal/event"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingForwarder struct {
	forwarded []string
	err       error
}

func (f *recordingForwarder) Forward(ctx context.Context, env *event.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.forwarded = append(f.forwarded, env.EventID)
	return nil
}

func (f *recordingForwarder) Close() error { return nil }

type recordingAudit struct {
	indexed []string
}

func (a *recordingAudit) IndexEvent(ctx context.Context, env *event.Envelope) error {
	a.indexed = append(a.indexed, env.EventID)
	return nil
}

func TestApplyFansOutThenForwards(t *testing.T) {
	inner := &countingHandler{name: "projector"}
	forwarder := &recordingForwarder{}
	audit := &recordingAudit{}
	d := NewDispatcher([]Handler{inner}, forwarder, audit, nil)

	env := testEnvelope(t, "evt-1")
	require.NoError(t, d.Apply(context.Background(), env))

	require.Equal(t, 1, inner.calls)
	require.Equal(t, []string{"evt-1"}, forwarder.forwarded)
	require.Equal(t, []string{"evt-1"}, audit.indexed)
}

func TestApplyRejectsInvalidEnvelope(t *testing.T) {
	inner := &countingHandler{name: "projector"}
	d := NewDispatcher([]Handler{inner}, nil, nil, nil)

	env := testEnvelope(t, "evt-1")
	env.SchemaVersion = 99 // no longer matches the type suffix

	err := d.Apply(context.Background(), env)
	require.Error(t, err)
	require.Zero(t, inner.calls, "a malformed envelope must never reach handlers")
}

func TestApplyHandlerErrorStopsForwarding(t *testing.T) {
	inner := &countingHandler{name: "projector", err: errors.New("projection failed")}
	forwarder := &recordingForwarder{}
	d := NewDispatcher([]Handler{inner}, forwarder, nil, nil)

	err := d.Apply(context.Background(), testEnvelope(t, "evt-1"))
	require.Error(t, err)
	require.Empty(t, forwarder.forwarded, "an unapplied event must not be forwarded")
}

func TestApplyForwardFailureIsBestEffort(t *testing.T) {
	inner := &countingHandler{name: "projector"}
	forwarder := &recordingForwarder{err: errors.New("redis down")}
	d := NewDispatcher([]Handler{inner}, forwarder, nil, nil)

	// The event is already applied; forwarding trouble must not trigger
	// redelivery.
	require.NoError(t, d.Apply(context.Background(), testEnvelope(t, "evt-1")))
	require.Equal(t, 1, inner.calls)
}
