package utils

import (
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// AcquireOwnerPostingLock serializes ledger writes per owner across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB connection that will run the posting transaction.
func AcquireOwnerPostingLock(conn *gorm.DB, ownerId string) error {
	lockName := fmt.Sprintf("posting:%s", ownerId)
	var ok int
	if err := conn.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for owner_id=%s", ownerId)
	}
	return nil
}

func ReleaseOwnerPostingLock(conn *gorm.DB, ownerId string) {
	lockName := fmt.Sprintf("posting:%s", ownerId)
	var _ok int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// OwnerLockOrder returns the owner ids in the fixed global acquisition order.
// Operations that span two owners' ledgers (contra linking) must take both
// posting locks in this order, so concurrent linkers cannot deadlock.
func OwnerLockOrder(ownerIds ...string) []string {
	ordered := make([]string, len(ownerIds))
	copy(ordered, ownerIds)
	sort.Strings(ordered)
	return ordered
}

// AcquireOwnerPostingLocks takes the posting locks for every given owner in
// the global order. On failure, locks already taken are released.
func AcquireOwnerPostingLocks(conn *gorm.DB, ownerIds ...string) ([]string, error) {
	ordered := OwnerLockOrder(ownerIds...)
	for i, ownerId := range ordered {
		if err := AcquireOwnerPostingLock(conn, ownerId); err != nil {
			for j := 0; j < i; j++ {
				ReleaseOwnerPostingLock(conn, ordered[j])
			}
			return nil, err
		}
	}
	return ordered, nil
}

func ReleaseOwnerPostingLocks(conn *gorm.DB, ownerIds []string) {
	// release in reverse acquisition order
	for i := len(ownerIds) - 1; i >= 0; i-- {
		ReleaseOwnerPostingLock(conn, ownerIds[i])
	}
}
