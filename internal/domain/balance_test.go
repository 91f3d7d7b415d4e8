package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestWallet_CreditDebit(t *testing.T) {
	w := NewWallet("USDT", decimal.Zero)

	w.Credit(decimal.NewFromInt(100), 1)
	if !w.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100, got %s", w.Amount)
	}

	if err := w.Debit(decimal.NewFromInt(30), 2); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !w.Amount.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected 70, got %s", w.Amount)
	}

	w.VerifyInvariant()
}

func TestWallet_Reserve(t *testing.T) {
	w := NewWallet("USDT", decimal.NewFromInt(1000))

	if err := w.Reserve(decimal.NewFromInt(400), 1); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !w.Available().Equal(decimal.NewFromInt(600)) {
		t.Errorf("expected available 600, got %s", w.Available())
	}

	w.Release(decimal.NewFromInt(200), 2)
	if !w.Reserved.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected reserved 200, got %s", w.Reserved)
	}

	// Reserved funds cannot be debited.
	if err := w.Debit(decimal.NewFromInt(900), 3); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	w.VerifyInvariant()
}

func TestWallet_InvariantPanic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic when reserved > amount")
		}
	}()

	w := &Wallet{Currency: "USDT", Amount: decimal.NewFromInt(100), Reserved: decimal.NewFromInt(200)}
	w.VerifyInvariant()
}

func TestBalance_Equity(t *testing.T) {
	b := Balance{WalletBalance: decimal.NewFromInt(1000), UnrealizedPnL: decimal.NewFromInt(-50)}
	if !b.Equity().Equal(decimal.NewFromInt(950)) {
		t.Errorf("Equity() = %s, want 950", b.Equity())
	}
}
