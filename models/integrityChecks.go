package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// IntegrityStepResult is one scan step's tally.
type IntegrityStepResult struct {
	StepCode  string `json:"step_code"`
	Inspected int    `json:"inspected"`
	Defects   int    `json:"defects"`
}

// IntegrityReport summarises one scan run over one owner's ledger.
type IntegrityReport struct {
	OwnerId       string                `json:"owner_id"`
	CorrelationId string                `json:"correlation_id"`
	StartedAt     time.Time             `json:"started_at"`
	Steps         []IntegrityStepResult `json:"steps"`
}

func (r *IntegrityReport) TotalDefects() int {
	total := 0
	for _, s := range r.Steps {
		total += s.Defects
	}
	return total
}

// RunIntegrityChecks scans one owner's ledger for structural defects and
// writes one IntegrityDefectLog row per finding. The scan only reads the
// ledger itself; it never repairs anything. Intended to run on a schedule
// (nightly) or via an admin trigger.
//
// Steps:
//
//	001 transaction debit/credit balance (within posting tolerance)
//	002 line quantity * unit_price vs amount (within posting tolerance)
//	003 duplicate sequence numbers within (owner, kind)
//	004 unallocated_balance vs opening_balance minus allocation details
//	005 allocation zero-sum
//	006 closing checkpoint balance vs re-derived trading net
func RunIntegrityChecks(ctx context.Context, ownerId string) (*IntegrityReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db := config.GetDB()
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	logger := config.GetLogger()

	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}
	now := time.Now().UTC()
	report := &IntegrityReport{OwnerId: ownerId, CorrelationId: cid, StartedAt: now}

	record := func(stepCode, entityType string, entityId int, details string) {
		err := db.WithContext(ctx).Create(&IntegrityDefectLog{
			OwnerId:       ownerId,
			StepCode:      stepCode,
			EntityType:    entityType,
			EntityId:      entityId,
			Details:       details,
			CorrelationId: cid,
			CreatedAt:     now,
		}).Error
		if err != nil && logger != nil {
			config.LogError(logger, "models", "RunIntegrityChecks",
				"write defect log step "+stepCode, details, err)
		}
	}

	// 001: every live transaction's debit total must match its credit total.
	var transactionCount int64
	if err := db.WithContext(ctx).Model(&LedgerTransaction{}).
		Where("owner_id = ?", ownerId).
		Count(&transactionCount).Error; err != nil {
		return report, err
	}
	type balanceRow struct {
		TransactionId int
		DebitTotal    string
		CreditTotal   string
	}
	var imbalanced []balanceRow
	if err := db.WithContext(ctx).Raw(`
		SELECT
			lt.id AS transaction_id,
			CAST(COALESCE(d.total, 0) AS CHAR) AS debit_total,
			CAST(COALESCE(c.total, 0) AS CHAR) AS credit_total
		FROM ledger_transactions lt
		LEFT JOIN (
			SELECT transaction_id, SUM(amount * exchange_rate) AS total
			FROM debit_lines WHERE deleted_at IS NULL GROUP BY transaction_id
		) d ON d.transaction_id = lt.id
		LEFT JOIN (
			SELECT transaction_id, SUM(amount * exchange_rate) AS total
			FROM credit_lines WHERE deleted_at IS NULL GROUP BY transaction_id
		) c ON c.transaction_id = lt.id
		WHERE lt.owner_id = ? AND lt.deleted_at IS NULL
		  AND ABS(COALESCE(d.total, 0) - COALESCE(c.total, 0)) > 0.02
	`, ownerId).Scan(&imbalanced).Error; err != nil {
		return report, err
	}
	for _, r := range imbalanced {
		record("001", "LedgerTransaction", r.TransactionId,
			fmt.Sprintf("debit total %s != credit total %s", r.DebitTotal, r.CreditTotal))
	}
	report.Steps = append(report.Steps, IntegrityStepResult{
		StepCode: "001", Inspected: int(transactionCount), Defects: len(imbalanced),
	})

	// 002: when a line carries quantity and unit price, their product must
	// agree with the posted amount.
	roundingStep := IntegrityStepResult{StepCode: "002"}
	for _, table := range []struct {
		name       string
		entityType string
	}{
		{"debit_lines", "DebitLine"},
		{"credit_lines", "CreditLine"},
	} {
		var lineCount int64
		if err := db.WithContext(ctx).Raw(fmt.Sprintf(`
			SELECT COUNT(*)
			FROM %s l
			JOIN ledger_transactions lt ON lt.id = l.transaction_id
			WHERE lt.owner_id = ? AND lt.deleted_at IS NULL AND l.deleted_at IS NULL
			  AND l.quantity <> 0 AND l.unit_price <> 0
		`, table.name), ownerId).Scan(&lineCount).Error; err != nil {
			return report, err
		}
		type roundingRow struct {
			LineId   int
			Amount   string
			Expected string
		}
		var drifted []roundingRow
		if err := db.WithContext(ctx).Raw(fmt.Sprintf(`
			SELECT
				l.id AS line_id,
				CAST(l.amount AS CHAR) AS amount,
				CAST(l.quantity * l.unit_price AS CHAR) AS expected
			FROM %s l
			JOIN ledger_transactions lt ON lt.id = l.transaction_id
			WHERE lt.owner_id = ? AND lt.deleted_at IS NULL AND l.deleted_at IS NULL
			  AND l.quantity <> 0 AND l.unit_price <> 0
			  AND ABS(l.quantity * l.unit_price - l.amount) > 0.02
		`, table.name), ownerId).Scan(&drifted).Error; err != nil {
			return report, err
		}
		for _, r := range drifted {
			record("002", table.entityType, r.LineId,
				fmt.Sprintf("amount=%s != quantity*unit_price=%s", r.Amount, r.Expected))
		}
		roundingStep.Inspected += int(lineCount)
		roundingStep.Defects += len(drifted)
	}
	report.Steps = append(report.Steps, roundingStep)

	// 003: TSNs must be unique within (owner, kind) across live rows.
	type duplicateRow struct {
		Kind  string
		Tsn   int64
		Count int
	}
	var duplicates []duplicateRow
	if err := db.WithContext(ctx).Raw(`
		SELECT kind, tsn, COUNT(*) AS count
		FROM ledger_transactions
		WHERE owner_id = ? AND deleted_at IS NULL
		GROUP BY kind, tsn
		HAVING COUNT(*) > 1
	`, ownerId).Scan(&duplicates).Error; err != nil {
		return report, err
	}
	for _, r := range duplicates {
		record("003", "LedgerTransaction", 0,
			fmt.Sprintf("kind=%s tsn=%d appears %d times", r.Kind, r.Tsn, r.Count))
	}
	report.Steps = append(report.Steps, IntegrityStepResult{
		StepCode: "003", Inspected: int(transactionCount), Defects: len(duplicates),
	})

	// 004: unallocated_balance must equal opening_balance minus the sum of
	// live allocation details. Allocation arithmetic is exact, so this
	// comparison is too.
	type allocationDriftRow struct {
		TransactionId int
		Stored        string
		Derived       string
	}
	var drifted []allocationDriftRow
	if err := db.WithContext(ctx).Raw(`
		SELECT
			lt.id AS transaction_id,
			CAST(lt.unallocated_balance AS CHAR) AS stored,
			CAST(lt.opening_balance - COALESCE(SUM(ad.debit_amount - ad.credit_amount), 0) AS CHAR) AS derived
		FROM ledger_transactions lt
		LEFT JOIN allocation_details ad
		  ON ad.transaction_id = lt.id AND ad.deleted_at IS NULL
		WHERE lt.owner_id = ? AND lt.deleted_at IS NULL
		GROUP BY lt.id
		HAVING ROUND(lt.unallocated_balance, 4) <>
		       ROUND(lt.opening_balance - COALESCE(SUM(ad.debit_amount - ad.credit_amount), 0), 4)
	`, ownerId).Scan(&drifted).Error; err != nil {
		return report, err
	}
	for _, r := range drifted {
		record("004", "LedgerTransaction", r.TransactionId,
			fmt.Sprintf("unallocated_balance=%s != derived=%s", r.Stored, r.Derived))
	}
	report.Steps = append(report.Steps, IntegrityStepResult{
		StepCode: "004", Inspected: int(transactionCount), Defects: len(drifted),
	})

	// 005: every live allocation's details must sum to zero.
	var allocationCount int64
	if err := db.WithContext(ctx).Model(&Allocation{}).
		Where("owner_id = ?", ownerId).
		Count(&allocationCount).Error; err != nil {
		return report, err
	}
	type allocationSumRow struct {
		AllocationId int
		Sum          string
	}
	var unbalanced []allocationSumRow
	if err := db.WithContext(ctx).Raw(`
		SELECT a.id AS allocation_id, CAST(SUM(ad.debit_amount - ad.credit_amount) AS CHAR) AS sum
		FROM allocations a
		JOIN allocation_details ad ON ad.allocation_id = a.id AND ad.deleted_at IS NULL
		WHERE a.owner_id = ? AND a.deleted_at IS NULL
		GROUP BY a.id
		HAVING ROUND(SUM(ad.debit_amount - ad.credit_amount), 4) <> 0
	`, ownerId).Scan(&unbalanced).Error; err != nil {
		return report, err
	}
	for _, r := range unbalanced {
		record("005", "Allocation", r.AllocationId,
			fmt.Sprintf("allocation details sum to %s, expected 0", r.Sum))
	}
	report.Steps = append(report.Steps, IntegrityStepResult{
		StepCode: "005", Inspected: int(allocationCount), Defects: len(unbalanced),
	})

	// 006: each closing checkpoint's stored balance must match the trading
	// net re-derived over its window (since the previous checkpoint of the
	// same kind).
	var checkpoints []LedgerTransaction
	if err := db.WithContext(ctx).
		Where("owner_id = ? AND kind IN ?", ownerId, []TransactionKind{KindPeriodEnd, KindYearEnd}).
		Order("transaction_date, id").
		Find(&checkpoints).Error; err != nil {
		return report, err
	}
	checkpointStep := IntegrityStepResult{StepCode: "006", Inspected: len(checkpoints)}
	previous := map[TransactionKind]*time.Time{}
	for i := range checkpoints {
		cp := checkpoints[i]
		nets, err := accountNetsInWindow(db.WithContext(ctx), ownerId, previous[cp.Kind], cp.TransactionDate, true, true)
		if err != nil {
			return report, err
		}
		derived := sumAccountNets(nets)
		if !utils.WithinTolerance(cp.PeriodEndBalance, derived, balanceTolerance) {
			record("006", "LedgerTransaction", cp.ID,
				fmt.Sprintf("period_end_balance=%s != derived trading net=%s",
					cp.PeriodEndBalance.StringFixed(4), derived.StringFixed(4)))
			checkpointStep.Defects++
		}
		date := cp.TransactionDate
		previous[cp.Kind] = &date
	}
	report.Steps = append(report.Steps, checkpointStep)

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":          "IntegrityChecks",
			"owner_id":       ownerId,
			"correlation_id": cid,
			"inspected":      int(transactionCount),
			"defects":        report.TotalDefects(),
		}).Info("ledger integrity checks completed")
	}
	return report, nil
}

// ListLedgerOwnerIds returns every owner with at least one live transaction,
// for audit runners that sweep the whole database.
func ListLedgerOwnerIds(ctx context.Context) ([]string, error) {
	db := config.GetDB()
	var ownerIds []string
	err := db.WithContext(ctx).Model(&LedgerTransaction{}).
		Distinct("owner_id").
		Order("owner_id").
		Pluck("owner_id", &ownerIds).Error
	if err != nil {
		return nil, err
	}
	return ownerIds, nil
}
