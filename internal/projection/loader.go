package projection

import (
	"context"

	"example.com/backstage/services/dashboard/internal/cache"
	"example.com/backstage/services/dashboard/internal/models"
	"example.com/backstage/services/dashboard/internal/repository"
)

// OverviewLoader builds the read-through loader for one session: it fetches
// the system-of-record row and maps it to the overview shape. Both the API
// read path and the reconciler repair path load through this.
func OverviewLoader(repo repository.SessionRepository, id string) cache.Loader[SessionOverview] {
	return func(ctx context.Context) (SessionOverview, int64, error) {
		rec, err := repo.GetByID(ctx, id)
		if err != nil {
			return SessionOverview{}, 0, err
		}
		return OverviewFromRecord(rec), rec.Version, nil
	}
}

// OverviewFromRecord maps a session row to its overview projection. The row
// carries no display name; the sentinel matches what the v3 schema defaults.
func OverviewFromRecord(rec *models.SessionRecord) SessionOverview {
	return SessionOverview{
		SessionID:   rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Owner: Owner{
			UserID:      rec.OwnerID,
			DisplayName: "Unknown",
		},
		Phase:      rec.Phase,
		CycleCount: rec.CycleCount,
	}
}
