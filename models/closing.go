package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// accountNet is one nominal account's net movement (debits minus credits,
// in owner base currency) over a date window.
type accountNet struct {
	AccountNumber int
	Net           decimal.Decimal
}

// ownerTotalsInWindow sums all live debit and credit postings for the owner
// with transaction_date in (from, to]. from == nil means from the beginning.
func ownerTotalsInWindow(tx *gorm.DB, ownerId string, from *time.Time, to time.Time) (decimal.Decimal, decimal.Decimal, error) {
	query := func(table string) (decimal.Decimal, error) {
		var row struct {
			Total decimal.Decimal
		}
		sql := fmt.Sprintf(`
			SELECT COALESCE(SUM(l.amount * l.exchange_rate), 0) AS total
			FROM %s l
			JOIN ledger_transactions lt ON lt.id = l.transaction_id
			WHERE lt.owner_id = ?
			  AND lt.deleted_at IS NULL
			  AND l.deleted_at IS NULL
			  AND lt.transaction_date <= ?
		`, table)
		args := []interface{}{ownerId, to}
		if from != nil {
			sql += " AND lt.transaction_date > ?"
			args = append(args, *from)
		}
		if err := tx.Raw(sql, args...).Scan(&row).Error; err != nil {
			return decimal.Zero, err
		}
		return row.Total, nil
	}

	debits, err := query("debit_lines")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	credits, err := query("credit_lines")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return debits, credits, nil
}

// accountNetsInWindow returns the per-account net movement over (from, to],
// optionally restricted to the trading range. excludeClosing drops lines
// posted by year-end transactions: zeroing lines sit exactly on a checkpoint
// date, so the strict lower bound already keeps them out of every later
// window, and excluding them here makes re-derivation of a checkpoint's own
// window match what the closing engine computed before inserting them.
func accountNetsInWindow(tx *gorm.DB, ownerId string, from *time.Time, to time.Time, tradingOnly, excludeClosing bool) ([]accountNet, error) {
	windowCond := "lt.owner_id = ? AND lt.deleted_at IS NULL AND l.deleted_at IS NULL AND lt.transaction_date <= ?"
	args := []interface{}{ownerId, to}
	if from != nil {
		windowCond += " AND lt.transaction_date > ?"
		args = append(args, *from)
	}
	if excludeClosing {
		windowCond += " AND lt.kind NOT IN ('PE', 'YE')"
	}
	sql := fmt.Sprintf(`
		SELECT x.account_number AS account_number, CAST(SUM(x.net) AS CHAR) AS net
		FROM (
			SELECT l.account_number, l.amount * l.exchange_rate AS net
			FROM debit_lines l
			JOIN ledger_transactions lt ON lt.id = l.transaction_id
			WHERE %s
			UNION ALL
			SELECT l.account_number, -(l.amount * l.exchange_rate)
			FROM credit_lines l
			JOIN ledger_transactions lt ON lt.id = l.transaction_id
			WHERE %s
		) x
		GROUP BY x.account_number
		ORDER BY x.account_number
	`, windowCond, windowCond)

	var rows []struct {
		AccountNumber int
		Net           string
	}
	if err := tx.Raw(sql, append(append([]interface{}{}, args...), args...)...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	nets := make([]accountNet, 0, len(rows))
	for _, r := range rows {
		if tradingOnly && !IsTradingAccount(r.AccountNumber) {
			continue
		}
		net, err := decimal.NewFromString(r.Net)
		if err != nil {
			return nil, err
		}
		if net.IsZero() {
			continue
		}
		nets = append(nets, accountNet{AccountNumber: r.AccountNumber, Net: net})
	}
	return nets, nil
}

// closingBalanced is the owner-wide closing precondition. It is stricter
// than the per-transaction posting tolerance: a discrepancy of a full
// tolerance step (0.02) blocks the close even though a single transaction
// may post with it.
func closingBalanced(debits, credits decimal.Decimal) bool {
	return debits.Sub(credits).Abs().LessThan(balanceTolerance)
}

func sumAccountNets(nets []accountNet) decimal.Decimal {
	total := decimal.Zero
	for _, n := range nets {
		total = total.Add(n.Net)
	}
	return total
}

// accountNetAsOf is the lifetime net of one account through the given date.
func accountNetAsOf(tx *gorm.DB, ownerId string, accountNumber int, to time.Time) (decimal.Decimal, error) {
	nets, err := accountNetsInWindow(tx, ownerId, nil, to, false, false)
	if err != nil {
		return decimal.Zero, err
	}
	for _, n := range nets {
		if n.AccountNumber == accountNumber {
			return n.Net, nil
		}
	}
	return decimal.Zero, nil
}

func latestYearEndDate(tx *gorm.DB, ownerId string) (*time.Time, error) {
	var date *time.Time
	err := tx.Model(&LedgerTransaction{}).
		Select("max(transaction_date)").
		Where("owner_id = ? AND kind = ?", ownerId, KindYearEnd).
		Scan(&date).Error
	if err != nil {
		return nil, err
	}
	return date, nil
}

// computeZeroingLines builds the year-end lines: one line per trading
// account bringing its net movement to zero (credit a debit balance, debit a
// credit balance), plus a single remainder line on the profit & loss account
// keeping the whole transaction balanced. Output order follows account
// number so closing runs are deterministic.
func computeZeroingLines(nets []accountNet, profitAndLossAccount int) ([]NewLedgerLine, []NewLedgerLine) {
	ordered := make([]accountNet, len(nets))
	copy(ordered, nets)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccountNumber < ordered[j].AccountNumber })

	debits := make([]NewLedgerLine, 0, len(ordered))
	credits := make([]NewLedgerLine, 0, len(ordered))
	aggregate := decimal.Zero
	for _, n := range ordered {
		if n.Net.IsZero() {
			continue
		}
		aggregate = aggregate.Add(n.Net)
		line := NewLedgerLine{
			AccountNumber: n.AccountNumber,
			ExchangeRate:  decimal.NewFromInt(1),
			Description:   "year end zeroing",
		}
		if n.Net.IsPositive() {
			line.Amount = n.Net
			credits = append(credits, line)
		} else {
			line.Amount = n.Net.Neg()
			debits = append(debits, line)
		}
	}
	if !aggregate.IsZero() {
		line := NewLedgerLine{
			AccountNumber: profitAndLossAccount,
			Amount:        aggregate.Abs(),
			ExchangeRate:  decimal.NewFromInt(1),
			Description:   "profit and loss transfer",
		}
		if aggregate.IsPositive() {
			debits = append(debits, line)
		} else {
			credits = append(credits, line)
		}
	}
	return debits, credits
}

// ClosePeriod freezes the owner's ledger through asOf: debits must equal
// credits over the window since the prior period end, and the resulting
// checkpoint carries the trading-account net as period_end_balance. The
// checkpoint is what rejects later backdated postings (ErrPeriodClosed) and
// what the integrity auditor reconciles in its final step.
func ClosePeriod(ctx context.Context, ownerId string, asOf time.Time) (*LedgerTransaction, error) {
	if ownerId == "" {
		return nil, errors.New("owner id is required")
	}
	if asOf.After(time.Now().UTC()) {
		return nil, ErrClosingDateInFuture
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
		txn, err := closePeriodTx(tx, ownerId, asOf)
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

func closePeriodTx(tx *gorm.DB, ownerId string, asOf time.Time) (*LedgerTransaction, error) {
	prior, err := latestPeriodEndDate(tx, ownerId)
	if err != nil {
		return nil, err
	}
	if prior != nil && !asOf.After(*prior) {
		return nil, ErrPeriodAlreadyClosed
	}

	debits, credits, err := ownerTotalsInWindow(tx, ownerId, prior, asOf)
	if err != nil {
		return nil, err
	}
	if !closingBalanced(debits, credits) {
		return nil, ErrPeriodNotBalanced
	}

	nets, err := accountNetsInWindow(tx, ownerId, prior, asOf, true, true)
	if err != nil {
		return nil, err
	}

	txn := LedgerTransaction{
		OwnerId:          ownerId,
		Kind:             KindPeriodEnd,
		TransactionDate:  asOf,
		Narrative:        "period end " + asOf.Format("2006-01-02"),
		ExchangeRate:     decimal.NewFromInt(1),
		PeriodEndBalance: sumAccountNets(nets),
	}
	return insertLedgerTransactionTx(tx, &txn)
}

// CloseYear posts the year-end checkpoint: it requires a clean suspense
// account and a balanced window, closes the period first if needed, then
// zeroes every trading account into profit & loss. Checkpoint, zeroing
// lines, and the implied period end commit as one unit.
func CloseYear(ctx context.Context, ownerId string, asOf time.Time) (*LedgerTransaction, error) {
	if ownerId == "" {
		return nil, errors.New("owner id is required")
	}
	if asOf.After(time.Now().UTC()) {
		return nil, ErrClosingDateInFuture
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
		txn, err := closeYearTx(tx, ownerId, asOf)
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

func closeYearTx(tx *gorm.DB, ownerId string, asOf time.Time) (*LedgerTransaction, error) {
	chart := config.GetChart()

	suspense, err := accountNetAsOf(tx, ownerId, chart.Suspense, asOf)
	if err != nil {
		return nil, err
	}
	if !suspense.IsZero() {
		return nil, ErrSuspenseNotZero
	}

	priorYearEnd, err := latestYearEndDate(tx, ownerId)
	if err != nil {
		return nil, err
	}
	debits, credits, err := ownerTotalsInWindow(tx, ownerId, priorYearEnd, asOf)
	if err != nil {
		return nil, err
	}
	if !closingBalanced(debits, credits) {
		return nil, ErrPeriodNotBalanced
	}

	// A year end always sits on a period end; create it when missing.
	latestPeriodEnd, err := latestPeriodEndDate(tx, ownerId)
	if err != nil {
		return nil, err
	}
	var periodEndId int
	switch {
	case latestPeriodEnd == nil || latestPeriodEnd.Before(asOf):
		periodEnd, err := closePeriodTx(tx, ownerId, asOf)
		if err != nil {
			return nil, err
		}
		periodEndId = periodEnd.ID
	case latestPeriodEnd.Equal(asOf):
		var periodEnd LedgerTransaction
		err := tx.Where("owner_id = ? AND kind = ? AND transaction_date = ?", ownerId, KindPeriodEnd, asOf).
			First(&periodEnd).Error
		if err != nil {
			return nil, err
		}
		periodEndId = periodEnd.ID
	default:
		// a later period end already covers asOf
		return nil, ErrPeriodAlreadyClosed
	}

	nets, err := accountNetsInWindow(tx, ownerId, priorYearEnd, asOf, true, true)
	if err != nil {
		return nil, err
	}
	debitLines, creditLines := computeZeroingLines(nets, chart.ProfitAndLoss)

	txn := LedgerTransaction{
		OwnerId:          ownerId,
		Kind:             KindYearEnd,
		TransactionDate:  asOf,
		Narrative:        "year end " + asOf.Format("2006-01-02"),
		ExchangeRate:     decimal.NewFromInt(1),
		PeriodEndBalance: sumAccountNets(nets),
		PeriodEndRef:     &periodEndId,
		DebitLines:       buildDebitLines(debitLines),
		CreditLines:      buildCreditLines(creditLines),
	}
	return insertLedgerTransactionTx(tx, &txn)
}

// DeletePeriodEnd voids a period-end checkpoint. Only the most recent one
// may go, and not while a year end still references it; preconditions are
// re-verified inside the posting transaction.
func DeletePeriodEnd(ctx context.Context, ownerId string, id int) (*LedgerTransaction, error) {
	txn, err := utils.FetchModel[LedgerTransaction](ctx, ownerId, id)
	if err != nil {
		return nil, err
	}
	if txn.Kind != KindPeriodEnd {
		return nil, ErrKindNotVoidable
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
		if err := deletePeriodEndTx(tx, txn); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func deletePeriodEndTx(tx *gorm.DB, txn *LedgerTransaction) error {
	var newer int64
	err := tx.Model(&LedgerTransaction{}).
		Where("owner_id = ? AND kind = ? AND id != ? AND transaction_date > ?",
			txn.OwnerId, KindPeriodEnd, txn.ID, txn.TransactionDate).
		Count(&newer).Error
	if err != nil {
		return err
	}
	if newer > 0 {
		return ErrNotMostRecent
	}

	var linked int64
	err = tx.Model(&LedgerTransaction{}).
		Where("owner_id = ? AND kind = ? AND period_end_ref = ?", txn.OwnerId, KindYearEnd, txn.ID).
		Count(&linked).Error
	if err != nil {
		return err
	}
	if linked > 0 {
		return ErrLinkedToYearEnd
	}

	return voidLedgerTransactionTx(tx, txn)
}

// DeleteYearEnd voids a year end, unless a later period end has been posted
// on top of it.
func DeleteYearEnd(ctx context.Context, ownerId string, id int) (*LedgerTransaction, error) {
	txn, err := utils.FetchModel[LedgerTransaction](ctx, ownerId, id, "DebitLines", "CreditLines")
	if err != nil {
		return nil, err
	}
	if txn.Kind != KindYearEnd {
		return nil, ErrKindNotVoidable
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
		if err := deleteYearEndTx(tx, txn); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func deleteYearEndTx(tx *gorm.DB, txn *LedgerTransaction) error {
	var later int64
	err := tx.Model(&LedgerTransaction{}).
		Where("owner_id = ? AND kind = ? AND transaction_date > ?",
			txn.OwnerId, KindPeriodEnd, txn.TransactionDate).
		Count(&later).Error
	if err != nil {
		return err
	}
	if later > 0 {
		return ErrNotMostRecent
	}
	return voidLedgerTransactionTx(tx, txn)
}
