package outbox

import (
	"context"
	"encoding/json"

	"example.com/backstage/services/dashboard/internal/event"
	"example.com/backstage/services/dashboard/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Writer persists envelopes into the outbox table on the caller's
// transaction. If the surrounding transaction aborts, the rows never become
// visible: no event without committed state, no committed state change
// without its event.
type Writer struct{}

// NewWriter creates a transactional outbox writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Write inserts a single envelope on the given transaction handle. The
// sequence number is assigned by the database so it stays monotonic under
// concurrent writers.
func (w *Writer) Write(ctx context.Context, tx *gorm.DB, env *event.Envelope, partitionKey string) error {
	row, err := rowFromEnvelope(env, partitionKey)
	if err != nil {
		return err
	}

	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "failed to insert outbox row")
	}

	log.Debug().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("partition_key", partitionKey).
		Msg("Outbox row written")
	return nil
}

// WriteAll inserts envelopes in order on the given transaction handle.
func (w *Writer) WriteAll(ctx context.Context, tx *gorm.DB, envs []*event.Envelope, partitionKey string) error {
	for _, env := range envs {
		if err := w.Write(ctx, tx, env, partitionKey); err != nil {
			return err
		}
	}
	return nil
}

func rowFromEnvelope(env *event.Envelope, partitionKey string) (*models.OutboxEvent, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}
	metadata, err := json.Marshal(env.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event metadata")
	}

	return &models.OutboxEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Payload:       payload,
		Metadata:      metadata,
		PartitionKey:  partitionKey,
		CreatedAt:     env.OccurredAt,
	}, nil
}

// EnvelopeFromRow rebuilds the wire envelope from an outbox row.
func EnvelopeFromRow(row *models.OutboxEvent) (*event.Envelope, error) {
	var payload event.Payload
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return nil, errors.Wrapf(err, "malformed payload on outbox row %d", row.SequenceNum)
		}
	}
	var meta event.Metadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return nil, errors.Wrapf(err, "malformed metadata on outbox row %d", row.SequenceNum)
		}
	}

	_, version := event.ParseType(row.EventType)
	env := &event.Envelope{
		EventID:       row.EventID,
		EventType:     row.EventType,
		SchemaVersion: version,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       payload,
		Metadata:      meta,
		OccurredAt:    row.CreatedAt,
	}
	return env, nil
}
