package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NewContraTransaction describes the mirror side of a contra link: the
// counterparty owner's own transaction, posted into its own chart of
// accounts. Narrative and address metadata are copied from the source, not
// taken from this input.
type NewContraTransaction struct {
	OwnerId         string                 `json:"owner_id" validate:"required"`
	CounterpartyId  int                    `json:"counterparty_id" validate:"required"`
	Kind            models.TransactionKind `json:"kind" validate:"required"`
	TransactionDate time.Time              `json:"transaction_date" validate:"required"`
	ExchangeRate    decimal.Decimal        `json:"exchange_rate"`
	OpeningBalance  decimal.Decimal        `json:"opening_balance"`
	DebitLines      []models.NewLedgerLine `json:"debit_lines" validate:"min=1,dive"`
	CreditLines     []models.NewLedgerLine `json:"credit_lines" validate:"min=1,dive"`
}

// newLineTotal sums amount * exchange_rate over input lines, defaulting a
// zero exchange rate to 1 the way the store does.
func newLineTotal(lines []models.NewLedgerLine) decimal.Decimal {
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

func debitLineTotal(lines []models.DebitLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount.Mul(l.ExchangeRate))
	}
	return total
}

func creditLineTotal(lines []models.CreditLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount.Mul(l.ExchangeRate))
	}
	return total
}

// linesTouchControl reports, per side, whether a line set posts to a
// control account in the contra-eligible range.
func linesTouchControl(debitAccounts, creditAccounts []int) (debitControl, creditControl bool) {
	chart := config.GetChart()
	for _, n := range debitAccounts {
		if models.IsContraEligibleAccount(n) && chart.IsControlAccount(n) {
			debitControl = true
		}
	}
	for _, n := range creditAccounts {
		if models.IsContraEligibleAccount(n) && chart.IsControlAccount(n) {
			creditControl = true
		}
	}
	return debitControl, creditControl
}

// CreateContraTransaction mirrors a transaction into the counterparty
// owner's ledger and cross-links the two records. Both owners' posting
// locks are taken in the fixed global order, the mirror is persisted
// through the store, both contra_transaction_refs are set, and everything
// commits as one unit. Each transaction may be mirrored exactly once.
func CreateContraTransaction(ctx context.Context, sourceOwnerId string, sourceId int, input *NewContraTransaction) (*models.LedgerTransaction, error) {
	if sourceOwnerId == "" {
		return nil, errors.New("source owner id is required")
	}
	if input == nil {
		return nil, errors.New("contra input is required")
	}
	if input.OwnerId == sourceOwnerId {
		return nil, models.ErrContraNotAllowed
	}
	if !input.Kind.IsContraEligible() {
		return nil, models.ErrContraNotAllowed
	}
	// mirrorInput.Validate() runs later against NewLedgerTransaction, which
	// does not require a counterparty; the contra input does.
	if err := validate.Struct(input); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var mirror *models.LedgerTransaction
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		held, err := utils.AcquireOwnerPostingLocks(conn, sourceOwnerId, input.OwnerId)
		if err != nil {
			return err
		}
		defer utils.ReleaseOwnerPostingLocks(conn, held)

		tx := conn.Begin()
		if tx.Error != nil {
			return tx.Error
		}
		created, err := createContraTransactionTx(tx, sourceOwnerId, sourceId, input)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit().Error; err != nil {
			return err
		}
		mirror = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mirror, nil
}

func createContraTransactionTx(tx *gorm.DB, sourceOwnerId string, sourceId int, input *NewContraTransaction) (*models.LedgerTransaction, error) {
	var source models.LedgerTransaction
	err := tx.Preload("DebitLines").Preload("CreditLines").
		Where("owner_id = ?", sourceOwnerId).
		First(&source, sourceId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrSourceNotFound
		}
		return nil, err
	}
	if source.ContraTransactionRef != nil {
		return nil, models.ErrAlreadyLinked
	}
	if !source.Kind.IsContraEligible() {
		return nil, models.ErrContraNotAllowed
	}

	// Contra amounts are copies, not independent calculations: the mirror's
	// totals must equal the source's opposite side exactly.
	if !newLineTotal(input.DebitLines).Equal(creditLineTotal(source.CreditLines)) {
		return nil, models.ErrContraAmountMismatch
	}
	if !newLineTotal(input.CreditLines).Equal(debitLineTotal(source.DebitLines)) {
		return nil, models.ErrContraAmountMismatch
	}

	// The two parties' control accounts are inverses: whichever side the
	// source posted its control on, the mirror posts its own control on the
	// other side.
	sourceDebitAccounts := make([]int, 0, len(source.DebitLines))
	for _, l := range source.DebitLines {
		sourceDebitAccounts = append(sourceDebitAccounts, l.AccountNumber)
	}
	sourceCreditAccounts := make([]int, 0, len(source.CreditLines))
	for _, l := range source.CreditLines {
		sourceCreditAccounts = append(sourceCreditAccounts, l.AccountNumber)
	}
	mirrorDebitAccounts := make([]int, 0, len(input.DebitLines))
	for _, l := range input.DebitLines {
		mirrorDebitAccounts = append(mirrorDebitAccounts, l.AccountNumber)
	}
	mirrorCreditAccounts := make([]int, 0, len(input.CreditLines))
	for _, l := range input.CreditLines {
		mirrorCreditAccounts = append(mirrorCreditAccounts, l.AccountNumber)
	}
	sourceDebitControl, sourceCreditControl := linesTouchControl(sourceDebitAccounts, sourceCreditAccounts)
	mirrorDebitControl, mirrorCreditControl := linesTouchControl(mirrorDebitAccounts, mirrorCreditAccounts)
	if sourceDebitControl != mirrorCreditControl || sourceCreditControl != mirrorDebitControl {
		return nil, models.ErrContraControlSide
	}

	mirrorInput := models.NewLedgerTransaction{
		CounterpartyId:  input.CounterpartyId,
		Kind:            input.Kind,
		TransactionDate: input.TransactionDate,
		Narrative:       source.Narrative,
		BillingAddress:  source.BillingAddress,
		DeliveryAddress: source.DeliveryAddress,
		ExchangeRate:    input.ExchangeRate,
		OpeningBalance:  input.OpeningBalance,
		DebitLines:      input.DebitLines,
		CreditLines:     input.CreditLines,
	}
	if err := mirrorInput.Validate(); err != nil {
		return nil, err
	}
	mirror, err := models.CreateLedgerTransactionTx(tx, input.OwnerId, &mirrorInput)
	if err != nil {
		return nil, err
	}

	err = tx.Model(&models.LedgerTransaction{}).
		Where("id = ?", source.ID).
		Update("contra_transaction_ref", mirror.ID).Error
	if err != nil {
		return nil, err
	}
	err = tx.Model(&models.LedgerTransaction{}).
		Where("id = ?", mirror.ID).
		Update("contra_transaction_ref", source.ID).Error
	if err != nil {
		return nil, err
	}
	ref := mirror.ID
	source.ContraTransactionRef = &ref
	srcRef := source.ID
	mirror.ContraTransactionRef = &srcRef
	return mirror, nil
}
