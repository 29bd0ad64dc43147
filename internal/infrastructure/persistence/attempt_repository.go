package persistence

import (
	"time"

	"gorm.io/gorm"

	"github.com/clawroute/clawroute/internal/infrastructure/monitoring"
	"github.com/clawroute/clawroute/internal/infrastructure/persistence/models"
)

// AttemptRepository persists dispatch attempts for the audit trail read by
// the detailed status surface.
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates the repository.
func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

var _ monitoring.AttemptStore = (*AttemptRepository)(nil)

// SaveAttempt implements monitoring.AttemptStore.
func (r *AttemptRepository) SaveAttempt(evt monitoring.AttemptEvent) error {
	row := models.AttemptModel{
		RequestID: evt.RequestID,
		Provider:  evt.Provider,
		Model:     evt.Model,
		Category:  evt.Category,
		Stage:     evt.Stage,
		LatencyMs: float64(evt.Latency) / float64(time.Millisecond),
		Success:   evt.Success,
		ErrorKind: evt.ErrorKind,
		Streamed:  evt.Streamed,
		InputTok:  evt.InputTok,
		OutputTok: evt.OutputTok,
		CreatedAt: evt.Timestamp,
	}
	return r.db.Create(&row).Error
}

// Recent returns the latest attempts, newest first.
func (r *AttemptRepository) Recent(limit int) ([]models.AttemptModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.AttemptModel
	err := r.db.Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// PruneOlderThan deletes audit rows past the retention window.
func (r *AttemptRepository) PruneOlderThan(cutoff time.Time) error {
	return r.db.Where("created_at < ?", cutoff).Delete(&models.AttemptModel{}).Error
}
