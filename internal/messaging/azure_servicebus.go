package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/models"
	"example.com/backstage/services/dashboard/internal/outbox"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// MessageProcessor handles a single received message.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// ServiceBusPublisher publishes outbox batches to an Azure Service Bus
// queue. Each message carries the outbox partition key as its session id, so
// the broker preserves per-partition delivery order end to end.
type ServiceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewServiceBusPublisher creates a publisher for the configured queue.
func NewServiceBusPublisher(cfg config.AzureConfig) (*ServiceBusPublisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &ServiceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// PublishBatch sends the rows one by one in sequence order. Sequential sends
// keep ordering within a partition; a failed send fails the whole batch so
// the relay retries it.
func (p *ServiceBusPublisher) PublishBatch(ctx context.Context, rows []models.OutboxEvent) error {
	for i := range rows {
		row := &rows[i]
		env, err := outbox.EnvelopeFromRow(row)
		if err != nil {
			return err
		}
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope %s: %w", env.EventID, err)
		}

		sessionID := row.PartitionKey
		msg := &azservicebus.Message{
			Body:      body,
			MessageID: &row.EventID,
			SessionID: &sessionID,
			ApplicationProperties: map[string]interface{}{
				"event_type":   row.EventType,
				"sequence_num": row.SequenceNum,
				"time":         time.Now().UTC().Format(time.RFC3339),
			},
		}
		if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
			return fmt.Errorf("failed to send message %s: %w", row.EventID, err)
		}
	}
	return nil
}

// Close closes the Service Bus publisher.
func (p *ServiceBusPublisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}

// Consumer receives events from the queue one session at a time. Sessions
// map to partition keys, so processing a session serially preserves
// per-partition order; no ordering exists across sessions.
type Consumer struct {
	client    *azservicebus.Client
	queueName string
}

// sessionReceiver is the slice of the Service Bus session receiver the
// consumer loop uses.
type sessionReceiver interface {
	SessionID() string
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// NewConsumer creates a session-aware consumer for the configured queue.
func NewConsumer(cfg config.AzureConfig) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	return &Consumer{client: client, queueName: cfg.QueueName}, nil
}

// Run accepts sessions and processes their messages until the context is
// cancelled. The in-flight message is always completed or abandoned before
// returning.
func (c *Consumer) Run(ctx context.Context, processor MessageProcessor) error {
	log.Info().Str("queue", c.queueName).Msg("Starting Service Bus consumer")

	for {
		if ctx.Err() != nil {
			return nil
		}

		receiver, err := c.client.AcceptNextSessionForQueue(ctx, c.queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				time.Sleep(2 * time.Second)
				continue
			}
			return err
		}

		log.Info().Str("session", receiver.SessionID()).Msg("Session accepted")
		c.handleSession(ctx, receiver, processor)
	}
}

func (c *Consumer) handleSession(ctx context.Context, receiver sessionReceiver, processor MessageProcessor) {
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("session", receiver.SessionID()).Msg("Error closing session")
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("session", receiver.SessionID()).Msg("Error receiving messages")
			}
			return
		}
		if len(messages) == 0 {
			// No more messages in this session
			return
		}

		for i, message := range messages {
			if err := processor.ProcessMessage(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				// Applying a later message before the broker redelivers this
				// one would break per-session ordering, so the rest of the
				// prefetched batch goes back with it. Poison messages are the
				// broker's max-delivery-count problem, not ours.
				for _, m := range messages[i:] {
					if err := receiver.AbandonMessage(context.Background(), m, nil); err != nil {
						log.Error().Err(err).Str("message_id", m.MessageID).Msg("Error abandoning message")
					}
				}
				return
			}

			if err := receiver.CompleteMessage(context.Background(), message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error completing message")
			}
		}
	}
}
