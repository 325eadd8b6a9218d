package models

import (
	"errors"
	"fmt"
)

// Validation failures. All are detected before any write and surfaced to the
// caller as recoverable errors; nothing in this package retries.
var (
	ErrImbalancedTransaction   = errors.New("debit and credit totals differ beyond tolerance")
	ErrInvalidAccount          = errors.New("unknown or inactive nominal account")
	ErrForbiddenControlAccount = errors.New("transaction kind may not post to a control account")
	ErrPeriodClosed            = errors.New("transaction date falls in a closed period")
	ErrKindNotVoidable         = errors.New("transaction kind cannot be voided")

	ErrSourceNotFound       = errors.New("source transaction not found")
	ErrAlreadyLinked        = errors.New("source transaction already has a contra transaction")
	ErrContraNotAllowed     = errors.New("transaction kind is not contra-eligible")
	ErrContraAmountMismatch = errors.New("contra totals do not match the source transaction")
	ErrContraControlSide    = errors.New("contra control account posting must be on the opposite side")

	ErrUnbalancedAllocation = errors.New("allocation amounts do not sum to zero")
	ErrOverAllocation       = errors.New("allocation amount exceeds the open balance")
	ErrCrossCounterparty    = errors.New("allocation spans more than one counterparty")
	ErrNothingToAllocate    = errors.New("transaction has no open balance")

	ErrClosingDateInFuture = errors.New("closing date is in the future")
	ErrPeriodAlreadyClosed = errors.New("period end already covers this date")
	ErrPeriodNotBalanced   = errors.New("debits and credits do not balance over the closing window")
	ErrSuspenseNotZero     = errors.New("suspense account balance is not zero")
	ErrNotMostRecent       = errors.New("only the most recent closing transaction can be deleted")
	ErrLinkedToYearEnd     = errors.New("period end is referenced by a year end")
)

// DuplicateSequenceNumberError is an internal-consistency fault: two live
// transactions of the same owner and kind carry the same TSN. It cannot be
// produced while posting holds the owner lock, so it is not retryable and
// requires manual remediation.
type DuplicateSequenceNumberError struct {
	OwnerId string
	Kind    TransactionKind
	Tsn     int64
}

func (e *DuplicateSequenceNumberError) Error() string {
	return fmt.Sprintf("duplicate transaction sequence number %d for owner_id=%s kind=%s", e.Tsn, e.OwnerId, e.Kind)
}
