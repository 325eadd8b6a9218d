package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateAllocationEntries(t *testing.T) {
	ok := []AllocationEntry{
		{TransactionId: 1, Amount: dec("100.00")},
		{TransactionId: 2, Amount: dec("-100.00")},
	}
	if err := validateAllocationEntries(ok); err != nil {
		t.Fatalf("zero-sum pair should validate, got %v", err)
	}

	threeWay := []AllocationEntry{
		{TransactionId: 1, Amount: dec("100.00")},
		{TransactionId: 2, Amount: dec("-60.00")},
		{TransactionId: 3, Amount: dec("-40.00")},
	}
	if err := validateAllocationEntries(threeWay); err != nil {
		t.Fatalf("three-way zero-sum should validate, got %v", err)
	}
}

func TestValidateAllocationEntriesRejectsShapes(t *testing.T) {
	if err := validateAllocationEntries([]AllocationEntry{{TransactionId: 1, Amount: dec("1")}}); err == nil {
		t.Error("single entry must be rejected")
	}
	if err := validateAllocationEntries([]AllocationEntry{
		{TransactionId: 1, Amount: dec("1")},
		{TransactionId: 1, Amount: dec("-1")},
	}); err == nil {
		t.Error("duplicate transaction must be rejected")
	}
	if err := validateAllocationEntries([]AllocationEntry{
		{TransactionId: 1, Amount: dec("0")},
		{TransactionId: 2, Amount: dec("0")},
	}); err == nil {
		t.Error("zero entry amount must be rejected")
	}
}

func TestValidateAllocationEntriesUnbalanced(t *testing.T) {
	entries := []AllocationEntry{
		{TransactionId: 1, Amount: dec("100.00")},
		{TransactionId: 2, Amount: dec("-99.99")},
	}
	if err := validateAllocationEntries(entries); !errors.Is(err, ErrUnbalancedAllocation) {
		t.Fatalf("want ErrUnbalancedAllocation, got %v", err)
	}
}

func TestApplyAllocationAmount(t *testing.T) {
	// partial settlement of an open debit balance
	got, err := applyAllocationAmount(dec("100.00"), dec("60.00"))
	if err != nil || !got.Equal(dec("40.00")) {
		t.Fatalf("got %s, %v; want 40.00", got, err)
	}
	// landing exactly on zero is allowed
	got, err = applyAllocationAmount(dec("100.00"), dec("100.00"))
	if err != nil || !got.IsZero() {
		t.Fatalf("got %s, %v; want 0", got, err)
	}
	// credit balances settle with negative amounts
	got, err = applyAllocationAmount(dec("-100.00"), dec("-100.00"))
	if err != nil || !got.IsZero() {
		t.Fatalf("got %s, %v; want 0", got, err)
	}
}

func TestApplyAllocationAmountOverAllocation(t *testing.T) {
	// crossing zero
	if _, err := applyAllocationAmount(dec("100.00"), dec("100.01")); !errors.Is(err, ErrOverAllocation) {
		t.Fatalf("crossing zero: want ErrOverAllocation, got %v", err)
	}
	// moving away from zero
	if _, err := applyAllocationAmount(dec("100.00"), dec("-10.00")); !errors.Is(err, ErrOverAllocation) {
		t.Fatalf("away from zero: want ErrOverAllocation, got %v", err)
	}
	if _, err := applyAllocationAmount(dec("-100.00"), dec("10.00")); !errors.Is(err, ErrOverAllocation) {
		t.Fatalf("credit side away from zero: want ErrOverAllocation, got %v", err)
	}
}

func TestApplyAllocationAmountNothingToAllocate(t *testing.T) {
	if _, err := applyAllocationAmount(decimal.Zero, dec("1.00")); !errors.Is(err, ErrNothingToAllocate) {
		t.Fatalf("want ErrNothingToAllocate, got %v", err)
	}
}

// Monotonicity: a legal allocation never grows |unallocated_balance|.
func TestApplyAllocationAmountMonotonic(t *testing.T) {
	balances := []string{"100.00", "-100.00", "0.01", "-0.01", "2500.7531"}
	amounts := []string{"0.01", "-0.01", "50.00", "-50.00", "100.00", "-100.00", "2500.7531", "-2500.7531"}
	for _, b := range balances {
		for _, a := range amounts {
			balance, amount := dec(b), dec(a)
			result, err := applyAllocationAmount(balance, amount)
			if err != nil {
				continue
			}
			if result.Abs().GreaterThan(balance.Abs()) {
				t.Errorf("balance %s amount %s: |%s| grew", b, a, result)
			}
			if !result.IsZero() && result.Sign() != balance.Sign() {
				t.Errorf("balance %s amount %s: sign flipped to %s", b, a, result)
			}
		}
	}
}

func TestDetailSplitRoundTrip(t *testing.T) {
	for _, s := range []string{"100.00", "-100.00", "0.01", "-2500.7531"} {
		amount := dec(s)
		debit, credit := detailSplit(amount)
		if debit.IsNegative() || credit.IsNegative() {
			t.Errorf("split of %s produced negative side: debit=%s credit=%s", s, debit, credit)
		}
		if !debit.IsZero() && !credit.IsZero() {
			t.Errorf("split of %s set both sides", s)
		}
		// deallocation restores balances by debit - credit
		if !debit.Sub(credit).Equal(amount) {
			t.Errorf("split of %s does not round-trip: debit-credit=%s", s, debit.Sub(credit))
		}
	}
}
