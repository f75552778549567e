package service

import (
	"context"

	"example.com/backstage/services/dashboard/internal/event"
	"example.com/backstage/services/dashboard/internal/models"
	"example.com/backstage/services/dashboard/internal/outbox"
	"example.com/backstage/services/dashboard/internal/projection"
	"example.com/backstage/services/dashboard/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotOwner is returned when a caller tries to change a session they do
// not own.
var ErrNotOwner = errors.New("caller does not own this session")

// ErrSessionNotFound mirrors the repository error on the write path.
var ErrSessionNotFound = errors.New("session not found")

// SessionService is the command side: every state change updates the session
// row and writes its event through the outbox in one transaction, so the
// event exists exactly when the state change committed.
type SessionService struct {
	db     *gorm.DB
	writer *outbox.Writer
	tracer tracing.Tracer
}

// NewSessionService creates the command-side session service.
func NewSessionService(db *gorm.DB, writer *outbox.Writer, tracer tracing.Tracer) *SessionService {
	return &SessionService{db: db, writer: writer, tracer: tracer}
}

// CreateSession creates a session row and its creation event atomically.
func (s *SessionService) CreateSession(ctx context.Context, ownerID, title string, description *string) (*models.SessionRecord, error) {
	txn := s.tracer.StartTransaction("create-session")
	defer s.tracer.EndTransaction(txn)

	rec := &models.SessionRecord{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Title:   title,
		Phase:   "created",
		Version: 1,
	}
	if description != nil {
		rec.Description = description
	}

	payload := event.Payload{
		"title": title,
		"owner": map[string]interface{}{
			"user_id":      ownerID,
			"display_name": "Unknown",
		},
		"aggregate_version": int64(1),
	}
	if description != nil {
		payload["description"] = *description
	} else {
		payload["description"] = nil
	}

	env, err := event.New(projection.FamilySessionCreated, 3, projection.AggregateSession, rec.ID, payload, s.metadata(ownerID))
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return errors.Wrap(err, "failed to create session")
		}
		return s.writer.Write(ctx, tx, env, ownerID)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	log.Info().
		Str("session_id", rec.ID).
		Str("owner_id", ownerID).
		Msg("Session created")
	return rec, nil
}

// RenameSession changes a session's title and records the rename event
// atomically.
func (s *SessionService) RenameSession(ctx context.Context, id, userID, title string) (*models.SessionRecord, error) {
	txn := s.tracer.StartTransaction("rename-session")
	defer s.tracer.EndTransaction(txn)

	rec, err := s.mutate(ctx, id, userID, func(rec *models.SessionRecord) (*event.Envelope, error) {
		rec.Title = title
		return event.New(projection.FamilySessionRenamed, 1, projection.AggregateSession, rec.ID, event.Payload{
			"title":             title,
			"aggregate_version": rec.Version,
		}, s.metadata(userID))
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	return rec, nil
}

// AdvanceCycle moves a session's decision cycle to the next phase and
// records the event atomically.
func (s *SessionService) AdvanceCycle(ctx context.Context, id, userID, phase string) (*models.SessionRecord, error) {
	txn := s.tracer.StartTransaction("advance-cycle")
	defer s.tracer.EndTransaction(txn)

	rec, err := s.mutate(ctx, id, userID, func(rec *models.SessionRecord) (*event.Envelope, error) {
		rec.Phase = phase
		rec.CycleCount++
		return event.New(projection.FamilyCycleAdvanced, 2, projection.AggregateSession, rec.ID, event.Payload{
			"phase":             phase,
			"aggregate_version": rec.Version,
		}, s.metadata(userID))
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	return rec, nil
}

// mutate loads the session row under a row lock, applies the change, bumps
// the version and writes the produced event, all in one transaction.
func (s *SessionService) mutate(ctx context.Context, id, userID string, apply func(*models.SessionRecord) (*event.Envelope, error)) (*models.SessionRecord, error) {
	var rec models.SessionRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return errors.Wrap(err, "failed to load session")
		}
		if rec.OwnerID != userID {
			return ErrNotOwner
		}

		rec.Version++
		env, err := apply(&rec)
		if err != nil {
			return err
		}

		if err := tx.Save(&rec).Error; err != nil {
			return errors.Wrap(err, "failed to update session")
		}
		return s.writer.Write(ctx, tx, env, rec.OwnerID)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", rec.ID).
		Int64("version", rec.Version).
		Msg("Session updated")
	return &rec, nil
}

func (s *SessionService) metadata(actorID string) event.Metadata {
	return event.Metadata{
		CorrelationID: uuid.New().String(),
		ActorID:       actorID,
	}
}
