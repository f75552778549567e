package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OutboxEvent is the durable mirror of an event envelope. Rows are inserted
// in the same transaction as the domain mutation that produced them; a row
// with a null PublishedAt is pending relay.
type OutboxEvent struct {
	SequenceNum   int64      `gorm:"primaryKey;autoIncrement" json:"sequence_num"`
	EventID       string     `gorm:"uniqueIndex;not null" json:"event_id"`
	EventType     string     `gorm:"not null" json:"event_type"`
	AggregateType string     `gorm:"not null" json:"aggregate_type"`
	AggregateID   string     `gorm:"index;not null" json:"aggregate_id"`
	Payload       []byte     `gorm:"type:jsonb" json:"payload"`
	Metadata      []byte     `gorm:"type:jsonb" json:"metadata"`
	PartitionKey  string     `gorm:"index;not null" json:"partition_key"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	PublishedAt   *time.Time `gorm:"index" json:"published_at"`
}

// ProcessedEvent is one row of the idempotency ledger: the record that a
// handler has begun processing an event. The composite primary key makes the
// insert-if-absent check atomic under concurrent handler instances.
type ProcessedEvent struct {
	HandlerName string    `gorm:"primaryKey" json:"handler_name"`
	EventID     string    `gorm:"primaryKey" json:"event_id"`
	ProcessedAt time.Time `gorm:"autoCreateTime" json:"processed_at"`
}

// SessionRecord is the system-of-record row for a dashboard session. The
// read-model cache is a projection of this; Version increases with every
// state change and is what the reconciler compares against.
type SessionRecord struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	OwnerID     string         `gorm:"index;not null" json:"owner_id"`
	Title       string         `gorm:"not null" json:"title"`
	Description *string        `json:"description"`
	Phase       string         `json:"phase"`
	CycleCount  int            `json:"cycle_count"`
	Version     int64          `gorm:"not null" json:"version"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&OutboxEvent{},
		&ProcessedEvent{},
		&SessionRecord{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
