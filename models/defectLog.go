package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
)

// IntegrityDefectLog is one finding of the integrity scan. The log is
// append-only: defects are never updated or resolved in place, a later
// clean run simply stops producing them.
type IntegrityDefectLog struct {
	ID            int       `gorm:"primary_key" json:"id"`
	OwnerId       string    `gorm:"index;not null" json:"owner_id"`
	StepCode      string    `gorm:"size:10;index;not null" json:"step_code"` // 001..006
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"`
	EntityId      int       `gorm:"index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PruneDefectLog hard-deletes findings older than the retention window and
// returns the number of rows removed. This is the only deletion path the
// defect log has.
func PruneDefectLog(ctx context.Context, retention time.Duration) (int64, error) {
	db := config.GetDB()
	cutoff := time.Now().UTC().Add(-retention)
	result := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&IntegrityDefectLog{})
	return result.RowsAffected, result.Error
}
