package outbox

import (
	"context"
	"time"

	"example.com/backstage/services/dashboard/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store selects and settles pending outbox batches. Implementations must
// guarantee that rows are marked published in the same transaction that
// locked them, and only after the publish callback succeeded.
type Store interface {
	// ClaimPending locks up to limit pending rows in sequence order, invokes
	// publish on them, and marks them published only when publish returns
	// nil. A publish error rolls the transaction back and leaves the rows
	// pending for the next tick. Returns the number of rows published.
	ClaimPending(ctx context.Context, limit int, publish func(context.Context, []models.OutboxEvent) error) (int, error)
}

// GormStore implements Store on Postgres. The SKIP LOCKED lock mode lets
// multiple relay instances run concurrently without selecting the same row
// twice.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates an outbox store on the given database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// ClaimPending implements Store.
func (s *GormStore) ClaimPending(ctx context.Context, limit int, publish func(context.Context, []models.OutboxEvent) error) (int, error) {
	published := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.OutboxEvent
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("published_at IS NULL").
			Order("sequence_num ASC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return errors.Wrap(err, "failed to select pending outbox rows")
		}

		if len(rows) == 0 {
			return nil
		}

		if err := publish(ctx, rows); err != nil {
			// Rolling back leaves the batch untouched for the next tick:
			// at-least-once, never at-most-once.
			return errors.Wrap(err, "publish failed, batch stays pending")
		}

		seqs := make([]int64, len(rows))
		for i, row := range rows {
			seqs[i] = row.SequenceNum
		}
		now := time.Now().UTC()
		if err := tx.Model(&models.OutboxEvent{}).
			Where("sequence_num IN ?", seqs).
			Update("published_at", now).Error; err != nil {
			return errors.Wrap(err, "failed to mark outbox rows published")
		}

		published = len(rows)
		return nil
	})

	return published, err
}
