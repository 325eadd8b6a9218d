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

// balanceTolerance absorbs unit-price/quantity rounding when comparing
// monetary totals. Contra totals and allocation sums compare exactly.
var balanceTolerance = decimal.New(2, -2) // 0.02

// LedgerTransaction is one economic event in an owner's ledger: a header
// plus balanced debit and credit line sets. Posted transactions are
// immutable; the only mutable columns are unallocated_balance (allocation
// engine) and contra_transaction_ref (contra linker), and only the closing
// checkpoints may be soft-deleted.
type LedgerTransaction struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OwnerId         string          `gorm:"index;not null;index:idx_lt_owner_kind,priority:1;index:idx_lt_owner_date,priority:1" json:"owner_id"`
	CounterpartyId  *int            `gorm:"index" json:"counterparty_id"`
	Kind            TransactionKind `gorm:"type:enum('IV','CN','PM','RF','JN','OB','PE','YE');not null;index:idx_lt_owner_kind,priority:2" json:"kind"`
	Tsn             int64           `gorm:"not null;index:idx_lt_owner_kind,priority:3" json:"tsn"`
	TransactionDate time.Time       `gorm:"index;not null;index:idx_lt_owner_date,priority:2" json:"transaction_date"`
	Narrative       string          `gorm:"type:text" json:"narrative"`
	BillingAddress  string          `gorm:"type:text" json:"billing_address"`
	DeliveryAddress string          `gorm:"type:text" json:"delivery_address"`
	ExchangeRate    decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"exchange_rate"`
	// OpeningBalance is the caller-supplied gross amount the allocation
	// engine reconciles against. It never changes after posting, which is
	// what lets the integrity auditor re-derive unallocated_balance.
	OpeningBalance     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	UnallocatedBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unallocated_balance"`
	// PeriodEndBalance is set on closing checkpoints only: the trading
	// account net over the closed window.
	PeriodEndBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"period_end_balance"`
	// PeriodEndRef links a year end to the period end it closed against.
	PeriodEndRef         *int           `gorm:"index" json:"period_end_ref"`
	ContraTransactionRef *int           `gorm:"index" json:"contra_transaction_ref"`
	DebitLines           []DebitLine    `gorm:"foreignKey:TransactionId" json:"debit_lines"`
	CreditLines          []CreditLine   `gorm:"foreignKey:TransactionId" json:"credit_lines"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

type DebitLine struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TransactionId int             `gorm:"index;not null" json:"transaction_id"`
	AccountNumber int             `gorm:"not null;index" json:"account_number"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ExchangeRate  decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"exchange_rate"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	TaxRateRef    string          `gorm:"size:100" json:"tax_rate_ref"`
	Description   string          `gorm:"size:255" json:"description"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt     gorm.DeletedAt  `gorm:"index" json:"deleted_at"`
}

type CreditLine struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TransactionId int             `gorm:"index;not null" json:"transaction_id"`
	AccountNumber int             `gorm:"not null;index" json:"account_number"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ExchangeRate  decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"exchange_rate"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	TaxRateRef    string          `gorm:"size:100" json:"tax_rate_ref"`
	Description   string          `gorm:"size:255" json:"description"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt     gorm.DeletedAt  `gorm:"index" json:"deleted_at"`
}

// Ledger immutability guardrails:
// - debit/credit lines are append-only; they are removed only when a
//   voidable header cascades its soft delete.
// - headers allow updates to the allocation and contra linkage columns only.

func (l *DebitLine) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: debit lines cannot be updated")
}

func (l *CreditLine) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: credit lines cannot be updated")
}

func (t *LedgerTransaction) BeforeUpdate(tx *gorm.DB) error {
	allowed := map[string]bool{
		"UnallocatedBalance":   true,
		"ContraTransactionRef": true,
		"UpdatedAt":            true,
	}
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && !allowed[f.Name] {
			return errors.New("immutable ledger: only allocation and contra linkage columns may be updated")
		}
	}
	return nil
}

func (t *LedgerTransaction) BeforeDelete(tx *gorm.DB) error {
	if !t.Kind.IsVoidable() {
		return ErrKindNotVoidable
	}
	return nil
}

type NewLedgerTransaction struct {
	CounterpartyId  int             `json:"counterparty_id"`
	Kind            TransactionKind `json:"kind" validate:"required"`
	TransactionDate time.Time       `json:"transaction_date" validate:"required"`
	Narrative       string          `json:"narrative"`
	BillingAddress  string          `json:"billing_address"`
	DeliveryAddress string          `json:"delivery_address"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	// OpeningBalance seeds unallocated_balance: an invoice's gross amount,
	// a payment's negated amount, or zero for non-reconcilable kinds.
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	DebitLines     []NewLedgerLine `json:"debit_lines" validate:"min=1,dive"`
	CreditLines    []NewLedgerLine `json:"credit_lines" validate:"min=1,dive"`
}

type NewLedgerLine struct {
	AccountNumber int             `json:"account_number" validate:"min=0,max=7999"`
	Amount        decimal.Decimal `json:"amount"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TaxRateRef    string          `json:"tax_rate_ref"`
	Description   string          `json:"description"`
}

// lineSetTotal sums amount * exchange_rate over a line set, defaulting a
// zero exchange rate to 1.
func lineSetTotal(lines []NewLedgerLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		fx := l.ExchangeRate
		if fx.IsZero() {
			fx = decimal.NewFromInt(1)
		}
		total = total.Add(l.Amount.Mul(fx))
	}
	return total
}

// balancedWithinTolerance reports whether two monetary totals agree within
// the posting tolerance.
func balancedWithinTolerance(debitTotal, creditTotal decimal.Decimal) bool {
	return utils.WithinTolerance(debitTotal, creditTotal, balanceTolerance)
}

// Validate runs the checks that need no database state. The contra linker
// calls it before building a mirror inside its own transaction.
func (input *NewLedgerTransaction) Validate() error {
	if err := validate.Struct(input); err != nil {
		return err
	}
	if !input.Kind.Valid() {
		return errors.New("unknown transaction kind")
	}
	if input.Kind.IsClosing() {
		return errors.New("closing transactions are created by the closing engine")
	}
	for _, l := range append(append([]NewLedgerLine{}, input.DebitLines...), input.CreditLines...) {
		if !l.Amount.IsPositive() {
			return errors.New("line amount must be positive")
		}
	}
	if !balancedWithinTolerance(lineSetTotal(input.DebitLines), lineSetTotal(input.CreditLines)) {
		return ErrImbalancedTransaction
	}
	return nil
}

func buildDebitLines(input []NewLedgerLine) []DebitLine {
	lines := make([]DebitLine, 0, len(input))
	for _, l := range input {
		fx := l.ExchangeRate
		if fx.IsZero() {
			fx = decimal.NewFromInt(1)
		}
		lines = append(lines, DebitLine{
			AccountNumber: l.AccountNumber,
			Amount:        l.Amount,
			ExchangeRate:  fx,
			Quantity:      l.Quantity,
			UnitPrice:     l.UnitPrice,
			TaxRateRef:    l.TaxRateRef,
			Description:   l.Description,
		})
	}
	return lines
}

func buildCreditLines(input []NewLedgerLine) []CreditLine {
	lines := make([]CreditLine, 0, len(input))
	for _, l := range input {
		fx := l.ExchangeRate
		if fx.IsZero() {
			fx = decimal.NewFromInt(1)
		}
		lines = append(lines, CreditLine{
			AccountNumber: l.AccountNumber,
			Amount:        l.Amount,
			ExchangeRate:  fx,
			Quantity:      l.Quantity,
			UnitPrice:     l.UnitPrice,
			TaxRateRef:    l.TaxRateRef,
			Description:   l.Description,
		})
	}
	return lines
}

// latestPeriodEndDate returns the transaction date of the owner's most
// recent live period end, or nil when no period has been closed.
func latestPeriodEndDate(tx *gorm.DB, ownerId string) (*time.Time, error) {
	var date *time.Time
	err := tx.Model(&LedgerTransaction{}).
		Select("max(transaction_date)").
		Where("owner_id = ? AND kind = ?", ownerId, KindPeriodEnd).
		Scan(&date).Error
	if err != nil {
		return nil, err
	}
	return date, nil
}

// CreateLedgerTransaction posts one balanced transaction to the owner's
// ledger. The owner posting lock is held across TSN assignment and the
// insert so numbering is race-free; header and lines commit as one unit.
func CreateLedgerTransaction(ctx context.Context, ownerId string, input *NewLedgerTransaction) (*LedgerTransaction, error) {
	if ownerId == "" {
		return nil, errors.New("owner id is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var created *LedgerTransaction
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := utils.AcquireOwnerPostingLock(conn, ownerId); err != nil {
			return err
		}
		defer utils.ReleaseOwnerPostingLock(conn, ownerId)

		tx := conn.Begin()
		if tx.Error != nil {
			return tx.Error
		}
		txn, err := CreateLedgerTransactionTx(tx, ownerId, input)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit().Error; err != nil {
			return err
		}
		created = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateLedgerTransactionTx runs the database-side validations and the
// insert inside tx. The caller must already hold the owner posting lock on
// tx's connection; the contra linker and the closing engine call this from
// their own transactions.
func CreateLedgerTransactionTx(tx *gorm.DB, ownerId string, input *NewLedgerTransaction) (*LedgerTransaction, error) {
	numbers := make([]int, 0, len(input.DebitLines)+len(input.CreditLines))
	for _, l := range input.DebitLines {
		numbers = append(numbers, l.AccountNumber)
	}
	for _, l := range input.CreditLines {
		numbers = append(numbers, l.AccountNumber)
	}
	if err := resolveAccountNumbers(tx, ownerId, numbers); err != nil {
		return nil, err
	}

	if !input.Kind.AllowsControlAccountPosting() {
		chart := config.GetChart()
		for _, n := range numbers {
			if chart.IsControlAccount(n) {
				return nil, ErrForbiddenControlAccount
			}
		}
	}

	closedThrough, err := latestPeriodEndDate(tx, ownerId)
	if err != nil {
		return nil, err
	}
	if closedThrough != nil && !input.TransactionDate.After(*closedThrough) {
		return nil, ErrPeriodClosed
	}

	fx := input.ExchangeRate
	if fx.IsZero() {
		fx = decimal.NewFromInt(1)
	}
	txn := LedgerTransaction{
		OwnerId:            ownerId,
		Kind:               input.Kind,
		TransactionDate:    input.TransactionDate,
		Narrative:          input.Narrative,
		BillingAddress:     input.BillingAddress,
		DeliveryAddress:    input.DeliveryAddress,
		ExchangeRate:       fx,
		OpeningBalance:     input.OpeningBalance,
		UnallocatedBalance: input.OpeningBalance,
		DebitLines:         buildDebitLines(input.DebitLines),
		CreditLines:        buildCreditLines(input.CreditLines),
	}
	if input.CounterpartyId > 0 {
		txn.CounterpartyId = &input.CounterpartyId
	}

	return insertLedgerTransactionTx(tx, &txn)
}

// insertLedgerTransactionTx numbers and persists an already-validated
// transaction aggregate.
func insertLedgerTransactionTx(tx *gorm.DB, txn *LedgerTransaction) (*LedgerTransaction, error) {
	tsn, err := nextTSN(tx, txn.OwnerId, txn.Kind)
	if err != nil {
		return nil, err
	}
	txn.Tsn = tsn
	if err := tx.Create(txn).Error; err != nil {
		return nil, err
	}
	if err := ensureUniqueTSN(tx, txn.OwnerId, txn.Kind, tsn); err != nil {
		return nil, err
	}
	return txn, nil
}

func GetLedgerTransaction(ctx context.Context, ownerId string, id int) (*LedgerTransaction, error) {
	return utils.FetchModel[LedgerTransaction](ctx, ownerId, id, "DebitLines", "CreditLines")
}

// VoidLedgerTransaction soft-deletes a closing checkpoint and its lines.
// Each checkpoint kind goes through its closing-engine delete so the
// most-recent and year-end-linkage guards always apply. Every other kind is
// immutable once posted; corrections are made with credit notes or
// adjustment journals, never by rewriting history.
func VoidLedgerTransaction(ctx context.Context, ownerId string, id int) (*LedgerTransaction, error) {
	txn, err := utils.FetchModel[LedgerTransaction](ctx, ownerId, id)
	if err != nil {
		return nil, err
	}
	switch txn.Kind {
	case KindPeriodEnd:
		return DeletePeriodEnd(ctx, ownerId, id)
	case KindYearEnd:
		return DeleteYearEnd(ctx, ownerId, id)
	default:
		return nil, ErrKindNotVoidable
	}
}

func voidLedgerTransactionTx(tx *gorm.DB, txn *LedgerTransaction) error {
	if err := tx.Where("transaction_id = ?", txn.ID).Delete(&DebitLine{}).Error; err != nil {
		return err
	}
	if err := tx.Where("transaction_id = ?", txn.ID).Delete(&CreditLine{}).Error; err != nil {
		return err
	}
	return tx.Delete(txn).Error
}
