package models

// TransactionKind tags one ledger transaction with its economic meaning.
// A single tagged table replaces per-kind subtypes; behavior differences are
// expressed by the rule methods below.
type TransactionKind string

const (
	KindInvoice        TransactionKind = "IV"
	KindCreditNote     TransactionKind = "CN"
	KindPayment        TransactionKind = "PM"
	KindRefund         TransactionKind = "RF"
	KindJournalEntry   TransactionKind = "JN"
	KindOpeningBalance TransactionKind = "OB"
	KindPeriodEnd      TransactionKind = "PE"
	KindYearEnd        TransactionKind = "YE"
)

var allTransactionKinds = []TransactionKind{
	KindInvoice, KindCreditNote, KindPayment, KindRefund,
	KindJournalEntry, KindOpeningBalance, KindPeriodEnd, KindYearEnd,
}

func (k TransactionKind) Valid() bool {
	for _, known := range allTransactionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsVoidable reports whether a posted transaction of this kind may be
// soft-deleted. Trading documents are immutable once posted; corrections go
// through credit notes or adjustment journals. Only the closing checkpoints
// are reversible.
func (k TransactionKind) IsVoidable() bool {
	return k == KindPeriodEnd || k == KindYearEnd
}

// AllowsControlAccountPosting reports whether lines of this kind may post to
// the debtor/creditor control accounts. A plain journal entry must not touch
// the control accounts; those balances belong to the trading documents and
// would silently drift from the open-item detail otherwise.
func (k TransactionKind) AllowsControlAccountPosting() bool {
	switch k {
	case KindJournalEntry:
		return false
	default:
		return true
	}
}

// IsContraEligible reports whether a transaction of this kind may be mirrored
// into a counterparty's ledger.
func (k TransactionKind) IsContraEligible() bool {
	switch k {
	case KindInvoice, KindCreditNote, KindPayment, KindRefund:
		return true
	default:
		return false
	}
}

// IsClosing reports whether this kind is a closing checkpoint created by the
// closing engine rather than submitted by a caller.
func (k TransactionKind) IsClosing() bool {
	return k == KindPeriodEnd || k == KindYearEnd
}

// AccountMainType classifies a nominal account for reporting.
type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeIncome    AccountMainType = "Income"
	AccountMainTypeExpense   AccountMainType = "Expense"
)
