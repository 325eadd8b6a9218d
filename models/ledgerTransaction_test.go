package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func line(account int, amount string) NewLedgerLine {
	return NewLedgerLine{AccountNumber: account, Amount: dec(amount)}
}

func TestLineSetTotalDefaultsExchangeRate(t *testing.T) {
	total := lineSetTotal([]NewLedgerLine{
		{AccountNumber: 4000, Amount: dec("100.00")},
		{AccountNumber: 4100, Amount: dec("50.00"), ExchangeRate: dec("2")},
	})
	if !total.Equal(dec("200.00")) {
		t.Fatalf("total = %s, want 200.00", total)
	}
}

func TestBalancedWithinTolerance(t *testing.T) {
	cases := []struct {
		debit, credit string
		want          bool
	}{
		{"100.00", "100.00", true},
		{"100.00", "100.02", true},
		{"100.02", "100.00", true},
		{"100.00", "100.0201", false},
		{"100.00", "90.00", false},
		{"0", "0", true},
	}
	for _, c := range cases {
		if got := balancedWithinTolerance(dec(c.debit), dec(c.credit)); got != c.want {
			t.Errorf("balancedWithinTolerance(%s, %s) = %v, want %v", c.debit, c.credit, got, c.want)
		}
	}
}

func validInvoiceInput() *NewLedgerTransaction {
	// 100.00 gross invoice: debtor 100.00 against sales 80.00 + vat 20.00
	return &NewLedgerTransaction{
		CounterpartyId:  1,
		Kind:            KindInvoice,
		TransactionDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		OpeningBalance:  dec("100.00"),
		DebitLines:      []NewLedgerLine{line(1100, "100.00")},
		CreditLines:     []NewLedgerLine{line(4000, "80.00"), line(2150, "20.00")},
	}
}

func TestNewLedgerTransactionValidate(t *testing.T) {
	if err := validInvoiceInput().Validate(); err != nil {
		t.Fatalf("balanced invoice should validate, got %v", err)
	}
}

func TestNewLedgerTransactionValidateImbalanced(t *testing.T) {
	input := validInvoiceInput()
	input.DebitLines = []NewLedgerLine{line(1100, "90.00")}
	if err := input.Validate(); !errors.Is(err, ErrImbalancedTransaction) {
		t.Fatalf("want ErrImbalancedTransaction, got %v", err)
	}
}

func TestNewLedgerTransactionValidateRoundingTolerated(t *testing.T) {
	input := validInvoiceInput()
	input.DebitLines = []NewLedgerLine{line(1100, "100.02")}
	if err := input.Validate(); err != nil {
		t.Fatalf("0.02 rounding drift should pass, got %v", err)
	}
}

func TestNewLedgerTransactionValidateRejectsClosingKinds(t *testing.T) {
	for _, kind := range []TransactionKind{KindPeriodEnd, KindYearEnd} {
		input := validInvoiceInput()
		input.Kind = kind
		if err := input.Validate(); err == nil {
			t.Errorf("kind %s must not be creatable by callers", kind)
		}
	}
}

func TestNewLedgerTransactionValidateRejectsNonPositiveAmounts(t *testing.T) {
	input := validInvoiceInput()
	input.DebitLines = []NewLedgerLine{line(1100, "0"), line(1200, "100.00")}
	if err := input.Validate(); err == nil {
		t.Fatal("zero line amount must be rejected")
	}
	input = validInvoiceInput()
	input.CreditLines = []NewLedgerLine{line(4000, "-100.00")}
	input.DebitLines = []NewLedgerLine{line(1100, "-100.00")}
	if err := input.Validate(); err == nil {
		t.Fatal("negative line amount must be rejected")
	}
}

func TestNewLedgerTransactionValidateRequiresLines(t *testing.T) {
	input := validInvoiceInput()
	input.CreditLines = nil
	if err := input.Validate(); err == nil {
		t.Fatal("empty credit line set must be rejected")
	}
}

func TestNewLedgerTransactionValidateUnknownKind(t *testing.T) {
	input := validInvoiceInput()
	input.Kind = "XX"
	if err := input.Validate(); err == nil {
		t.Fatal("unknown kind must be rejected")
	}
}

func TestBuildLinesDefaultExchangeRate(t *testing.T) {
	debits := buildDebitLines([]NewLedgerLine{line(1100, "10.00")})
	if len(debits) != 1 || !debits[0].ExchangeRate.Equal(dec("1")) {
		t.Fatalf("debit exchange rate should default to 1, got %+v", debits)
	}
	credits := buildCreditLines([]NewLedgerLine{{AccountNumber: 4000, Amount: dec("10.00"), ExchangeRate: dec("1.5")}})
	if len(credits) != 1 || !credits[0].ExchangeRate.Equal(dec("1.5")) {
		t.Fatalf("credit exchange rate should be kept, got %+v", credits)
	}
}
