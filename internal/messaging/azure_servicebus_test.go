package messaging

import (
	"context"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeSessionReceiver serves one prefetched batch and records settlement.
type fakeSessionReceiver struct {
	batch     []*azservicebus.ReceivedMessage
	served    bool
	completed []string
	abandoned []string
	closed    bool
}

func (r *fakeSessionReceiver) SessionID() string { return "sess-1" }

func (r *fakeSessionReceiver) ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	if r.served {
		return nil, nil
	}
	r.served = true
	return r.batch, nil
}

func (r *fakeSessionReceiver) CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error {
	r.completed = append(r.completed, message.MessageID)
	return nil
}

func (r *fakeSessionReceiver) AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error {
	r.abandoned = append(r.abandoned, message.MessageID)
	return nil
}

func (r *fakeSessionReceiver) Close(ctx context.Context) error {
	r.closed = true
	return nil
}

// recordingProcessor fails on the message ids it is told to and records the
// order messages reach it.
type recordingProcessor struct {
	failOn    map[string]error
	processed []string
}

func (p *recordingProcessor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	p.processed = append(p.processed, message.MessageID)
	if err, ok := p.failOn[message.MessageID]; ok {
		return err
	}
	return nil
}

func batchOf(ids ...string) []*azservicebus.ReceivedMessage {
	msgs := make([]*azservicebus.ReceivedMessage, len(ids))
	for i, id := range ids {
		msgs[i] = &azservicebus.ReceivedMessage{MessageID: id}
	}
	return msgs
}

func TestHandleSessionCompletesInOrder(t *testing.T) {
	receiver := &fakeSessionReceiver{batch: batchOf("m1", "m2", "m3")}
	processor := &recordingProcessor{}

	c := &Consumer{queueName: "q"}
	c.handleSession(context.Background(), receiver, processor)

	require.Equal(t, []string{"m1", "m2", "m3"}, processor.processed)
	require.Equal(t, []string{"m1", "m2", "m3"}, receiver.completed)
	require.Empty(t, receiver.abandoned)
	require.True(t, receiver.closed)
}

func TestHandleSessionFailureStopsSession(t *testing.T) {
	receiver := &fakeSessionReceiver{batch: batchOf("m1", "m2", "m3")}
	processor := &recordingProcessor{
		failOn: map[string]error{"m2": errors.New("ledger unavailable")},
	}

	c := &Consumer{queueName: "q"}
	c.handleSession(context.Background(), receiver, processor)

	// m3 must not be applied before the broker redelivers m2
	require.Equal(t, []string{"m1", "m2"}, processor.processed)
	require.Equal(t, []string{"m1"}, receiver.completed)
	require.Equal(t, []string{"m2", "m3"}, receiver.abandoned, "the failed message and the rest of the prefetch go back together")
	require.True(t, receiver.closed)
}

func TestHandleSessionStopsOnCancel(t *testing.T) {
	receiver := &fakeSessionReceiver{batch: batchOf("m1")}
	processor := &recordingProcessor{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &Consumer{queueName: "q"}
	c.handleSession(ctx, receiver, processor)

	require.Empty(t, processor.processed)
	require.True(t, receiver.closed)
}
