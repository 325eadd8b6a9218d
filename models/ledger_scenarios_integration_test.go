package models_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// End-to-end ledger scenarios against a real MySQL.
//
// Usage: INTEGRATION_TESTS=1 go test ./models -run Scenario -v
// (requires DB_* env vars; see config/database.go)

func requireIntegration(t *testing.T) context.Context {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run DB-backed scenario tests")
	}
	if config.GetDB() == nil {
		config.ConnectDatabaseWithRetry()
		models.MigrateTable()
	}
	ctx := context.Background()
	ctx = utils.SetUserNameInContext(ctx, "ScenarioTests")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	return ctx
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// seedOwner creates a fresh owner with the reserved chart accounts plus a
// sales and a cost account, and one counterparty.
func seedOwner(t *testing.T, ctx context.Context) (ownerId string, counterpartyId int) {
	t.Helper()
	ownerId = uuid.NewString()
	accounts := []models.NewNominalAccount{
		{AccountNumber: 1100, Name: "Debtor Control", MainType: models.AccountMainTypeAsset},
		{AccountNumber: 1200, Name: "Bank", MainType: models.AccountMainTypeAsset},
		{AccountNumber: 2100, Name: "Creditor Control", MainType: models.AccountMainTypeLiability},
		{AccountNumber: 2150, Name: "VAT Control", MainType: models.AccountMainTypeLiability},
		{AccountNumber: 3200, Name: "Profit and Loss", MainType: models.AccountMainTypeEquity},
		{AccountNumber: 4000, Name: "Sales", MainType: models.AccountMainTypeIncome},
		{AccountNumber: 5000, Name: "Purchases", MainType: models.AccountMainTypeExpense},
		{AccountNumber: 7999, Name: "Suspense", MainType: models.AccountMainTypeExpense},
	}
	for _, a := range accounts {
		input := a
		if _, err := models.CreateNominalAccount(ctx, ownerId, &input); err != nil {
			t.Fatalf("seed account %d: %v", a.AccountNumber, err)
		}
	}
	cp, err := models.CreateCounterparty(ctx, ownerId, &models.NewCounterparty{
		Name:            "Acme Trading",
		DeliveryAddress: "1 Dock Road",
	})
	if err != nil {
		t.Fatalf("seed counterparty: %v", err)
	}
	return ownerId, cp.ID
}

func invoiceInput(counterpartyId int, date time.Time, gross string) *models.NewLedgerTransaction {
	net := mustDec(gross).Mul(mustDec("0.8"))
	vat := mustDec(gross).Sub(net)
	return &models.NewLedgerTransaction{
		CounterpartyId:  counterpartyId,
		Kind:            models.KindInvoice,
		TransactionDate: date,
		Narrative:       "goods delivered",
		OpeningBalance:  mustDec(gross),
		DebitLines: []models.NewLedgerLine{
			{AccountNumber: 1100, Amount: mustDec(gross)},
		},
		CreditLines: []models.NewLedgerLine{
			{AccountNumber: 4000, Amount: net},
			{AccountNumber: 2150, Amount: vat},
		},
	}
}

func paymentInput(counterpartyId int, date time.Time, amount string) *models.NewLedgerTransaction {
	return &models.NewLedgerTransaction{
		CounterpartyId:  counterpartyId,
		Kind:            models.KindPayment,
		TransactionDate: date,
		Narrative:       "payment received",
		OpeningBalance:  mustDec(amount).Neg(),
		DebitLines: []models.NewLedgerLine{
			{AccountNumber: 1200, Amount: mustDec(amount)},
		},
		CreditLines: []models.NewLedgerLine{
			{AccountNumber: 1100, Amount: mustDec(amount)},
		},
	}
}

func TestScenarioBalancedInvoicePostsWithSequentialTSNs(t *testing.T) {
	ctx := requireIntegration(t)
	ownerId, cpId := seedOwner(t, ctx)
	date := time.Now().UTC().AddDate(0, -2, 0).Truncate(24 * time.Hour)

	first, err := models.CreateLedgerTransaction(ctx, ownerId, invoiceInput(cpId, date, "100.00"))
	if err != nil {
		t.Fatalf("post invoice: %v", err)
	}
	if first.Tsn != 1 {
		t.Fatalf("first invoice tsn = %d, want 1", first.Tsn)
	}
	if !first.UnallocatedBalance.Equal(mustDec("100.00")) {
		t.Fatalf("unallocated = %s, want 100.00", first.UnallocatedBalance)
	}

	second, err := models.CreateLedgerTransaction(ctx, ownerId, invoiceInput(cpId, date, "250.00"))
	if err != nil {
		t.Fatalf("post second invoice: %v", err)
	}
	if second.Tsn != 2 {
		t.Fatalf("second invoice tsn = %d, want 2", second.Tsn)
	}

	// payments number independently of invoices
	payment, err := models.CreateLedgerTransaction(ctx, ownerId, paymentInput(cpId, date, "40.00"))
	if err != nil {
		t.Fatalf("post payment: %v", err)
	}
	if payment.Tsn != 1 {
		t.Fatalf("payment tsn = %d, want 1 (per-kind series)", payment.Tsn)
	}

	fetched, err := models.GetLedgerTransaction(ctx, ownerId, first.ID)
	if err != nil {
		t.Fatalf("fetch invoice: %v", err)
	}
	if len(fetched.DebitLines) != 1 || len(fetched.CreditLines) != 2 {
		t.Fatalf("line sets = %d/%d, want 1/2", len(fetched.DebitLines), len(fetched.CreditLines))
	}
}

func TestScenarioImbalancedInvoiceRejected(t *testing.T) {
	ctx := requireIntegration(t)
	ownerId, cpId := seedOwner(t, ctx)

	input := invoiceInput(cpId, time.Now().UTC().AddDate(0, -2, 0).Truncate(24*time.Hour), "100.00")
	input.DebitLines[0].Amount = mustDec("90.00")
	if _, err := models.CreateLedgerTransaction(ctx, ownerId, input); !errors.Is(err, models.ErrImbalancedTransaction) {
		t.Fatalf("want ErrImbalancedTransaction, got %v", err)
	}

	owners, err := models.ListLedgerOwnerIds(ctx)
	if err != nil {
		t.Fatalf("list owners: %v", err)
	}
	for _, o := range owners {
		if o == ownerId {
			t.Fatal("rejected invoice must not leave a row behind")
		}
	}
}

func TestScenarioContraMirrorAndMismatch(t *testing.T) {
	ctx := requireIntegration(t)
	sellerOwner, sellerCp := seedOwner(t, ctx)
	buyerOwner, buyerCp := seedOwner(t, ctx)
	date := time.Now().UTC().AddDate(0, -2, 0).Truncate(24 * time.Hour)

	source, err := models.CreateLedgerTransaction(ctx, sellerOwner, invoiceInput(sellerCp, date, "100.00"))
	if err != nil {
		t.Fatalf("post source invoice: %v", err)
	}

	mismatched := &workflow.NewContraTransaction{
		OwnerId:         buyerOwner,
		CounterpartyId:  buyerCp,
		Kind:            models.KindInvoice,
		TransactionDate: date,
		OpeningBalance:  mustDec("-90.00"),
		DebitLines: []models.NewLedgerLine{
			{AccountNumber: 5000, Amount: mustDec("72.00")},
			{AccountNumber: 2150, Amount: mustDec("18.00")},
		},
		CreditLines: []models.NewLedgerLine{
			{AccountNumber: 2100, Amount: mustDec("90.00")},
		},
	}
	if _, err := workflow.CreateContraTransaction(ctx, sellerOwner, source.ID, mismatched); !errors.Is(err, models.ErrContraAmountMismatch) {
		t.Fatalf("want ErrContraAmountMismatch, got %v", err)
	}

	mirrorInput := &workflow.NewContraTransaction{
		OwnerId:         buyerOwner,
		CounterpartyId:  buyerCp,
		Kind:            models.KindInvoice,
		TransactionDate: date,
		OpeningBalance:  mustDec("-100.00"),
		DebitLines: []models.NewLedgerLine{
			{AccountNumber: 5000, Amount: mustDec("80.00")},
			{AccountNumber: 2150, Amount: mustDec("20.00")},
		},
		CreditLines: []models.NewLedgerLine{
			{AccountNumber: 2100, Amount: mustDec("100.00")},
		},
	}
	mirror, err := workflow.CreateContraTransaction(ctx, sellerOwner, source.ID, mirrorInput)
	if err != nil {
		t.Fatalf("create contra: %v", err)
	}

	refreshedSource, err := models.GetLedgerTransaction(ctx, sellerOwner, source.ID)
	if err != nil {
		t.Fatalf("refetch source: %v", err)
	}
	if refreshedSource.ContraTransactionRef == nil || *refreshedSource.ContraTransactionRef != mirror.ID {
		t.Fatal("source must point at the mirror")
	}
	if mirror.ContraTransactionRef == nil || *mirror.ContraTransactionRef != source.ID {
		t.Fatal("mirror must point back at the source")
	}
	if mirror.Narrative != source.Narrative {
		t.Fatalf("mirror narrative = %q, want source's %q", mirror.Narrative, source.Narrative)
	}

	// a transaction may be mirrored exactly once
	if _, err := workflow.CreateContraTransaction(ctx, sellerOwner, source.ID, mirrorInput); !errors.Is(err, models.ErrAlreadyLinked) {
		t.Fatalf("want ErrAlreadyLinked, got %v", err)
	}
}

func TestScenarioAllocationLifecycle(t *testing.T) {
	ctx := requireIntegration(t)
	ownerId, cpId := seedOwner(t, ctx)
	date := time.Now().UTC().AddDate(0, -2, 0).Truncate(24 * time.Hour)

	invoice, err := models.CreateLedgerTransaction(ctx, ownerId, invoiceInput(cpId, date, "100.00"))
	if err != nil {
		t.Fatalf("post invoice: %v", err)
	}
	payment, err := models.CreateLedgerTransaction(ctx, ownerId, paymentInput(cpId, date, "100.00"))
	if err != nil {
		t.Fatalf("post payment: %v", err)
	}

	allocation, err := models.Allocate(ctx, ownerId, 1100, []models.AllocationEntry{
		{TransactionId: invoice.ID, Amount: mustDec("100.00")},
		{TransactionId: payment.ID, Amount: mustDec("-100.00")},
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	for _, id := range []int{invoice.ID, payment.ID} {
		txn, err := models.GetLedgerTransaction(ctx, ownerId, id)
		if err != nil {
			t.Fatalf("refetch %d: %v", id, err)
		}
		if !txn.UnallocatedBalance.IsZero() {
			t.Fatalf("transaction %d unallocated = %s, want 0", id, txn.UnallocatedBalance)
		}
	}

	// fully settled transactions reject further allocation
	_, err = models.Allocate(ctx, ownerId, 1100, []models.AllocationEntry{
		{TransactionId: invoice.ID, Amount: mustDec("1.00")},
		{TransactionId: payment.ID, Amount: mustDec("-1.00")},
	})
	if !errors.Is(err, models.ErrNothingToAllocate) {
		t.Fatalf("want ErrNothingToAllocate, got %v", err)
	}

	if _, err := models.Deallocate(ctx, ownerId, allocation.ID); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	restored, err := models.GetLedgerTransaction(ctx, ownerId, invoice.ID)
	if err != nil {
		t.Fatalf("refetch invoice: %v", err)
	}
	if !restored.UnallocatedBalance.Equal(mustDec("100.00")) {
		t.Fatalf("deallocation must restore the open balance, got %s", restored.UnallocatedBalance)
	}
}

func TestScenarioYearEndZeroesTradingAccounts(t *testing.T) {
	ctx := requireIntegration(t)
	ownerId, cpId := seedOwner(t, ctx)
	date := time.Now().UTC().AddDate(0, -2, 0).Truncate(24 * time.Hour)

	if _, err := models.CreateLedgerTransaction(ctx, ownerId, invoiceInput(cpId, date, "100.00")); err != nil {
		t.Fatalf("post invoice: %v", err)
	}

	asOf := time.Now().UTC().AddDate(0, -1, 0).Truncate(24 * time.Hour)
	yearEnd, err := models.CloseYear(ctx, ownerId, asOf)
	if err != nil {
		t.Fatalf("close year: %v", err)
	}
	if yearEnd.PeriodEndRef == nil {
		t.Fatal("year end must reference its period end")
	}

	fetched, err := models.GetLedgerTransaction(ctx, ownerId, yearEnd.ID)
	if err != nil {
		t.Fatalf("refetch year end: %v", err)
	}
	// sales (80.00 credit net) is zeroed by a debit; the loss-free remainder
	// credits P&L
	foundSales, foundPL := false, false
	for _, l := range fetched.DebitLines {
		if l.AccountNumber == 4000 && l.Amount.Equal(mustDec("80.00")) {
			foundSales = true
		}
	}
	for _, l := range fetched.CreditLines {
		if l.AccountNumber == 3200 && l.Amount.Equal(mustDec("80.00")) {
			foundPL = true
		}
	}
	if !foundSales || !foundPL {
		t.Fatalf("year end lines wrong: debits=%+v credits=%+v", fetched.DebitLines, fetched.CreditLines)
	}

	// the window is frozen: backdated postings are rejected
	_, err = models.CreateLedgerTransaction(ctx, ownerId, invoiceInput(cpId, date, "10.00"))
	if !errors.Is(err, models.ErrPeriodClosed) {
		t.Fatalf("want ErrPeriodClosed, got %v", err)
	}

	// and the audit finds a clean ledger
	report, err := models.RunIntegrityChecks(ctx, ownerId)
	if err != nil {
		t.Fatalf("integrity checks: %v", err)
	}
	if report.TotalDefects() != 0 {
		t.Fatalf("clean ledger reported %d defects: %+v", report.TotalDefects(), report.Steps)
	}
}

func TestScenarioSuspenseBlocksYearEnd(t *testing.T) {
	ctx := requireIntegration(t)
	ownerId, cpId := seedOwner(t, ctx)
	date := time.Now().UTC().AddDate(0, -2, 0).Truncate(24 * time.Hour)

	// park an amount on suspense
	input := &models.NewLedgerTransaction{
		CounterpartyId:  cpId,
		Kind:            models.KindJournalEntry,
		TransactionDate: date,
		Narrative:       "unidentified receipt",
		DebitLines: []models.NewLedgerLine{
			{AccountNumber: 1200, Amount: mustDec("55.00")},
		},
		CreditLines: []models.NewLedgerLine{
			{AccountNumber: 7999, Amount: mustDec("55.00")},
		},
	}
	if _, err := models.CreateLedgerTransaction(ctx, ownerId, input); err != nil {
		t.Fatalf("post suspense journal: %v", err)
	}

	asOf := time.Now().UTC().AddDate(0, -1, 0).Truncate(24 * time.Hour)
	if _, err := models.CloseYear(ctx, ownerId, asOf); !errors.Is(err, models.ErrSuspenseNotZero) {
		t.Fatalf("want ErrSuspenseNotZero, got %v", err)
	}
}

func TestScenarioUnbalancedWindowBlocksPeriodEnd(t *testing.T) {
	ctx := requireIntegration(t)
	ownerId, cpId := seedOwner(t, ctx)
	date := time.Now().UTC().AddDate(0, -2, 0).Truncate(24 * time.Hour)

	// a single posting may carry the full 0.02 rounding tolerance
	input := invoiceInput(cpId, date, "1000.00")
	input.CreditLines[0].Amount = mustDec("799.98")
	if _, err := models.CreateLedgerTransaction(ctx, ownerId, input); err != nil {
		t.Fatalf("post invoice at the tolerance edge: %v", err)
	}

	// the owner-wide closing check does not: 1000.00 vs 999.98 blocks the close
	asOf := time.Now().UTC().AddDate(0, -1, 0).Truncate(24 * time.Hour)
	if _, err := models.ClosePeriod(ctx, ownerId, asOf); !errors.Is(err, models.ErrPeriodNotBalanced) {
		t.Fatalf("want ErrPeriodNotBalanced, got %v", err)
	}

	// a failed close must not freeze the window
	if _, err := models.CreateLedgerTransaction(ctx, ownerId, invoiceInput(cpId, date, "10.00")); err != nil {
		t.Fatalf("window must still accept postings after a failed close: %v", err)
	}
}

func TestScenarioPeriodEndDeleteRules(t *testing.T) {
	ctx := requireIntegration(t)
	ownerId, cpId := seedOwner(t, ctx)
	date := time.Now().UTC().AddDate(0, -3, 0).Truncate(24 * time.Hour)

	invoice, err := models.CreateLedgerTransaction(ctx, ownerId, invoiceInput(cpId, date, "100.00"))
	if err != nil {
		t.Fatalf("post invoice: %v", err)
	}

	february, err := models.ClosePeriod(ctx, ownerId, time.Now().UTC().AddDate(0, -2, 0).Truncate(24*time.Hour))
	if err != nil {
		t.Fatalf("close february: %v", err)
	}
	march, err := models.ClosePeriod(ctx, ownerId, time.Now().UTC().AddDate(0, -1, 0).Truncate(24*time.Hour))
	if err != nil {
		t.Fatalf("close march: %v", err)
	}

	if _, err := models.DeletePeriodEnd(ctx, ownerId, february.ID); !errors.Is(err, models.ErrNotMostRecent) {
		t.Fatalf("want ErrNotMostRecent, got %v", err)
	}
	// the generic void path applies the same guards
	if _, err := models.VoidLedgerTransaction(ctx, ownerId, february.ID); !errors.Is(err, models.ErrNotMostRecent) {
		t.Fatalf("void of a non-latest period end: want ErrNotMostRecent, got %v", err)
	}
	if _, err := models.VoidLedgerTransaction(ctx, ownerId, invoice.ID); !errors.Is(err, models.ErrKindNotVoidable) {
		t.Fatalf("void of an invoice: want ErrKindNotVoidable, got %v", err)
	}
	if _, err := models.DeletePeriodEnd(ctx, ownerId, march.ID); err != nil {
		t.Fatalf("delete most recent period end: %v", err)
	}
	if _, err := models.DeletePeriodEnd(ctx, ownerId, february.ID); err != nil {
		t.Fatalf("delete remaining period end: %v", err)
	}
}
