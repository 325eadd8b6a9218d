package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrAuditInProgress means another instance holds the audit lock for the
// owner; the caller should skip, not wait.
var ErrAuditInProgress = errors.New("integrity audit already running for owner")

const auditLockTTL = 10 * time.Minute

// RunIntegrityAudit runs the read-only integrity scan for one owner under a
// cross-instance redis lock, so a scheduled audit fleet never double-scans
// an owner. When redis is unavailable the scan proceeds without the lock;
// the scan itself is read-only apart from defect-log appends, so the worst
// case is duplicate findings, not corruption.
func RunIntegrityAudit(ctx context.Context, ownerId string) (*models.IntegrityReport, error) {
	if ownerId == "" {
		return nil, errors.New("owner id is required")
	}
	logger := config.GetLogger()

	if cid, ok := utils.GetCorrelationIdFromContext(ctx); !ok || cid == "" {
		ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	}

	var lock *redislock.Lock
	if locker := config.GetRedisLock(); locker == nil {
		logger.WithFields(logrus.Fields{
			"field":    "RunIntegrityAudit",
			"owner_id": ownerId,
		}).Warn("redis lock not ready; proceeding without audit lock")
	} else {
		var err error
		lock, err = locker.Obtain(ctx, fmt.Sprintf("integrity-audit:%s", ownerId), auditLockTTL, nil)
		if err == redislock.ErrNotObtained {
			return nil, ErrAuditInProgress
		} else if err != nil {
			logger.WithFields(logrus.Fields{
				"field":    "RunIntegrityAudit",
				"owner_id": ownerId,
			}).Warn("error obtaining audit lock; proceeding without audit lock: " + err.Error())
			lock = nil
		}
	}
	defer func() {
		if lock == nil {
			return
		}
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			logger.WithFields(logrus.Fields{
				"field":    "RunIntegrityAudit",
				"owner_id": ownerId,
			}).Warn("failed to release audit lock: " + releaseErr.Error())
		}
	}()

	report, err := models.RunIntegrityChecks(ctx, ownerId)
	if err != nil {
		config.LogError(logger, "integrityAudit.go", "RunIntegrityAudit", "RunIntegrityChecks", ownerId, err)
		return report, err
	}
	return report, nil
}

// PruneDefectLog trims audit findings past the retention window.
func PruneDefectLog(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.New("retention days must be positive")
	}
	pruned, err := models.PruneDefectLog(ctx, time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		return 0, err
	}
	logger := config.GetLogger()
	logger.WithFields(logrus.Fields{
		"field":          "PruneDefectLog",
		"retention_days": retentionDays,
		"pruned":         pruned,
	}).Info("integrity defect log pruned")
	return pruned, nil
}
