package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Allocation is one reconciliation event: a zero-sum matching of open
// balances across two or more of an owner's transactions against a single
// control account (debtor or creditor side).
type Allocation struct {
	ID                   int                `gorm:"primary_key" json:"id"`
	OwnerId              string             `gorm:"index;not null" json:"owner_id"`
	CounterpartyId       int                `gorm:"index;not null" json:"counterparty_id"`
	ControlAccountNumber int                `gorm:"not null" json:"control_account_number"`
	Details              []AllocationDetail `gorm:"foreignKey:AllocationId" json:"details"`
	CreatedAt            time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt     `gorm:"index" json:"deleted_at"`
}

// AllocationDetail records one transaction's contribution. Exactly one of
// debit_amount/credit_amount is non-zero: the positive/negative split of the
// signed entry amount.
type AllocationDetail struct {
	ID            int             `gorm:"primary_key" json:"id"`
	AllocationId  int             `gorm:"index;not null" json:"allocation_id"`
	TransactionId int             `gorm:"index;not null" json:"transaction_id"`
	DebitAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit_amount"`
	CreditAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit_amount"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt     gorm.DeletedAt  `gorm:"index" json:"deleted_at"`
}

// AllocationEntry names a transaction and the signed amount to settle
// against it: positive reduces a debit balance, negative reduces a credit
// balance.
type AllocationEntry struct {
	TransactionId int             `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// validateAllocationEntries runs the checks that need no database state:
// shape, no zero or duplicate entries, and the exact zero-sum invariant.
func validateAllocationEntries(entries []AllocationEntry) error {
	if len(entries) < 2 {
		return errors.New("allocation needs at least two entries")
	}
	seen := make(map[int]struct{}, len(entries))
	sum := decimal.Zero
	for _, e := range entries {
		if e.TransactionId <= 0 {
			return errors.New("allocation entry needs a transaction id")
		}
		if e.Amount.IsZero() {
			return errors.New("allocation entry amount must be non-zero")
		}
		if _, dup := seen[e.TransactionId]; dup {
			return errors.New("allocation names a transaction twice")
		}
		seen[e.TransactionId] = struct{}{}
		sum = sum.Add(e.Amount)
	}
	if !sum.IsZero() {
		return ErrUnbalancedAllocation
	}
	return nil
}

// applyAllocationAmount subtracts a signed entry amount from an open
// balance. The result must move strictly toward zero and may not cross it:
// |balance - amount| <= |balance|, and the sign only changes by landing
// exactly on zero.
func applyAllocationAmount(balance, amount decimal.Decimal) (decimal.Decimal, error) {
	if balance.IsZero() {
		return decimal.Zero, ErrNothingToAllocate
	}
	result := balance.Sub(amount)
	if result.Abs().GreaterThan(balance.Abs()) {
		return decimal.Zero, ErrOverAllocation
	}
	if !result.IsZero() && result.Sign() != balance.Sign() {
		return decimal.Zero, ErrOverAllocation
	}
	return result, nil
}

// detailSplit writes the signed amount as the detail's debit/credit pair.
func detailSplit(amount decimal.Decimal) (debit, credit decimal.Decimal) {
	if amount.IsPositive() {
		return amount, decimal.Zero
	}
	return decimal.Zero, amount.Neg()
}

// Allocate records a zero-sum matching across the named transactions and
// decrements each one's unallocated balance, all in one unit. Balances are
// re-read inside the transaction under the owner posting lock; there is no
// caching, so the toward-zero check always runs against the latest committed
// value.
func Allocate(ctx context.Context, ownerId string, controlAccountNumber int, entries []AllocationEntry) (*Allocation, error) {
	if ownerId == "" {
		return nil, errors.New("owner id is required")
	}
	if err := validateAllocationEntries(entries); err != nil {
		return nil, err
	}
	if !config.GetChart().IsControlAccount(controlAccountNumber) {
		return nil, ErrInvalidAccount
	}

	db := config.GetDB()
	var created *Allocation
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := utils.AcquireOwnerPostingLock(conn, ownerId); err != nil {
			return err
		}
		defer utils.ReleaseOwnerPostingLock(conn, ownerId)

		tx := conn.Begin()
		if tx.Error != nil {
			return tx.Error
		}
		allocation, err := allocateTx(tx, ownerId, controlAccountNumber, entries)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit().Error; err != nil {
			return err
		}
		created = allocation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func allocateTx(tx *gorm.DB, ownerId string, controlAccountNumber int, entries []AllocationEntry) (*Allocation, error) {
	counterpartyId := 0
	details := make([]AllocationDetail, 0, len(entries))

	for _, e := range entries {
		var txn LedgerTransaction
		err := tx.Where("owner_id = ?", ownerId).First(&txn, e.TransactionId).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if txn.CounterpartyId == nil {
			return nil, ErrCrossCounterparty
		}
		if counterpartyId == 0 {
			counterpartyId = *txn.CounterpartyId
		} else if counterpartyId != *txn.CounterpartyId {
			return nil, ErrCrossCounterparty
		}

		newBalance, err := applyAllocationAmount(txn.UnallocatedBalance, e.Amount)
		if err != nil {
			return nil, err
		}
		err = tx.Model(&LedgerTransaction{}).
			Where("id = ?", txn.ID).
			Update("unallocated_balance", newBalance).Error
		if err != nil {
			return nil, err
		}

		debit, credit := detailSplit(e.Amount)
		details = append(details, AllocationDetail{
			TransactionId: e.TransactionId,
			DebitAmount:   debit,
			CreditAmount:  credit,
		})
	}

	allocation := Allocation{
		OwnerId:              ownerId,
		CounterpartyId:       counterpartyId,
		ControlAccountNumber: controlAccountNumber,
		Details:              details,
	}
	if err := tx.Create(&allocation).Error; err != nil {
		return nil, err
	}
	return &allocation, nil
}

// Deallocate reverses an allocation: every touched transaction's
// unallocated balance is restored by the detail's debit-credit amount, then
// the details and the allocation are soft-deleted, atomically.
func Deallocate(ctx context.Context, ownerId string, allocationId int) (*Allocation, error) {
	allocation, err := utils.FetchModel[Allocation](ctx, ownerId, allocationId, "Details")
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := utils.AcquireOwnerPostingLock(conn, ownerId); err != nil {
			return err
		}
		defer utils.ReleaseOwnerPostingLock(conn, ownerId)

		tx := conn.Begin()
		if tx.Error != nil {
			return tx.Error
		}
		if err := deallocateTx(tx, allocation); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

func deallocateTx(tx *gorm.DB, allocation *Allocation) error {
	for _, d := range allocation.Details {
		var txn LedgerTransaction
		err := tx.Where("owner_id = ?", allocation.OwnerId).First(&txn, d.TransactionId).Error
		if err != nil {
			return utils.ErrorRecordNotFound
		}
		restored := txn.UnallocatedBalance.Add(d.DebitAmount.Sub(d.CreditAmount))
		err = tx.Model(&LedgerTransaction{}).
			Where("id = ?", txn.ID).
			Update("unallocated_balance", restored).Error
		if err != nil {
			return err
		}
	}
	if err := tx.Where("allocation_id = ?", allocation.ID).Delete(&AllocationDetail{}).Error; err != nil {
		return err
	}
	return tx.Delete(allocation).Error
}

func GetAllocation(ctx context.Context, ownerId string, id int) (*Allocation, error) {
	return utils.FetchModel[Allocation](ctx, ownerId, id, "Details")
}
