package models

import (
	"gorm.io/gorm"
)

// nextTSN returns the next transaction sequence number for (owner, kind).
// The value is derived from the persisted rows inside the posting
// transaction itself, so numbering and persistence commit or roll back
// together; there is no external counter to drift. Callers must hold the
// owner posting lock, which is what makes MAX(tsn)+1 race-free.
func nextTSN(tx *gorm.DB, ownerId string, kind TransactionKind) (int64, error) {
	var maxTsn *int64
	err := tx.Model(&LedgerTransaction{}).
		Select("max(tsn)").
		Where("owner_id = ? AND kind = ?", ownerId, kind).
		Scan(&maxTsn).Error
	if err != nil {
		return 0, err
	}
	if maxTsn == nil {
		return 1, nil
	}
	return *maxTsn + 1, nil
}

// ensureUniqueTSN re-checks, after insert and before commit, that exactly one
// live row of (owner, kind) carries the tsn. A hit means the posting lock was
// bypassed somewhere; the transaction must be rolled back and the fault
// investigated, not retried.
func ensureUniqueTSN(tx *gorm.DB, ownerId string, kind TransactionKind, tsn int64) error {
	var count int64
	err := tx.Model(&LedgerTransaction{}).
		Where("owner_id = ? AND kind = ? AND tsn = ?", ownerId, kind, tsn).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 1 {
		return &DuplicateSequenceNumberError{OwnerId: ownerId, Kind: kind, Tsn: tsn}
	}
	return nil
}
