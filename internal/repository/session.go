package repository

import (
	"context"

	"example.com/backstage/services/dashboard/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrSessionNotFound is returned when a session id has no row in the system
// of record.
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository reads sessions from the system of record. Cache loaders,
// the reconciler and the ownership checks on the read path all go through
// this interface.
type SessionRepository interface {
	GetByID(ctx context.Context, id string) (*models.SessionRecord, error)
	CurrentVersion(ctx context.Context, id string) (int64, error)
	OwnedBy(ctx context.Context, id, userID string) (bool, error)
}

type sessionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewSessionRepository creates a repository over the write and read-only
// database connections.
func NewSessionRepository(db, readOnlyDB *gorm.DB) SessionRepository {
	return &sessionRepository{db: db, readOnlyDB: readOnlyDB}
}

// GetByID loads a session row.
func (r *sessionRepository) GetByID(ctx context.Context, id string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := r.readOnlyDB.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "failed to load session")
	}
	return &rec, nil
}

// CurrentVersion returns the session's version in the system of record.
func (r *sessionRepository) CurrentVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.SessionRecord{}).
		Where("id = ?", id).
		Pluck("version", &version).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to read session version")
	}
	if version == 0 {
		// Pluck yields the zero value for a missing row; versions start at 1.
		return 0, ErrSessionNotFound
	}
	return version, nil
}

// OwnedBy reports whether the session belongs to the given user. Cached data
// is never an authorization boundary, so every read path re-checks this
// before serving a cache entry.
func (r *sessionRepository) OwnedBy(ctx context.Context, id, userID string) (bool, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.SessionRecord{}).
		Where("id = ? AND owner_id = ?", id, userID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check session ownership")
	}
	return count > 0, nil
}
