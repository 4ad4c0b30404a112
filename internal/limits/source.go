package limits

import (
	"context"
	"time"

	"github.com/alexjbarnes/aicap/internal/models"
)

// Source produces usage limits for one provider.
type Source interface {
	Name() string
	IsAuthenticated() bool
	GetLimits(ctx context.Context) (*models.UsageLimits, error)
}

// SnapshotStore persists the merged cache between restarts.
type SnapshotStore interface {
	SaveSnapshot(limits map[string]*models.UsageLimits, at time.Time) error
	LoadSnapshot() (map[string]*models.UsageLimits, time.Time, error)
}
