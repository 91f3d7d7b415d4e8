package domain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec_core/pkg/safe"
)

// ErrInsufficientBalance is returned when a debit or reserve exceeds availability.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Balance is a venue's account-level margin report.
type Balance struct {
	Account       string          `json:"account"`
	Venue         string          `json:"venue"`
	Currency      string          `json:"currency"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	Available     decimal.Decimal `json:"available"`
	UsedMargin    decimal.Decimal `json:"used_margin"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Equity returns wallet balance plus unrealized PnL.
func (b Balance) Equity() decimal.Decimal {
	return b.WalletBalance.Add(b.UnrealizedPnL)
}

// Wallet is a single-currency cash account used by simulated venues.
// Amount is the total; Reserved is the part locked as margin.
type Wallet struct {
	mu       sync.Mutex
	Currency string
	Amount   decimal.Decimal
	Reserved decimal.Decimal
	LastSeq  uint64
}

// NewWallet creates a wallet with an initial amount.
func NewWallet(currency string, amount decimal.Decimal) *Wallet {
	return &Wallet{Currency: currency, Amount: amount}
}

// Credit adds funds.
func (w *Wallet) Credit(amt decimal.Decimal, seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Amount = w.Amount.Add(amt)
	w.LastSeq = seq
}

// Debit removes free funds.
func (w *Wallet) Debit(amt decimal.Decimal, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Amount.Sub(w.Reserved).LessThan(amt) {
		return fmt.Errorf("%w: debit %s, free %s", ErrInsufficientBalance, amt, w.Amount.Sub(w.Reserved))
	}
	w.Amount = w.Amount.Sub(amt)
	w.LastSeq = seq
	return nil
}

// Reserve locks funds as margin.
func (w *Wallet) Reserve(amt decimal.Decimal, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Amount.Sub(w.Reserved).LessThan(amt) {
		return fmt.Errorf("%w: reserve %s, free %s", ErrInsufficientBalance, amt, w.Amount.Sub(w.Reserved))
	}
	w.Reserved = w.Reserved.Add(amt)
	w.LastSeq = seq
	return nil
}

// Release unlocks margin. Releasing more than reserved clamps to zero.
func (w *Wallet) Release(amt decimal.Decimal, seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Reserved = safe.NonNegative(w.Reserved.Sub(amt))
	w.LastSeq = seq
}

// Available returns Amount - Reserved.
func (w *Wallet) Available() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Amount.Sub(w.Reserved)
}

// Totals returns amount and reserved under one lock.
func (w *Wallet) Totals() (amount, reserved decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Amount, w.Reserved
}

// VerifyInvariant panics if the wallet is in an impossible state.
// Rule: 0 <= Reserved <= Amount.
func (w *Wallet) VerifyInvariant() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Amount.IsNegative() {
		panic(fmt.Sprintf("wallet %s: negative amount %s", w.Currency, w.Amount))
	}
	if w.Reserved.IsNegative() || w.Reserved.GreaterThan(w.Amount) {
		panic(fmt.Sprintf("wallet %s: reserved %s outside [0, %s]", w.Currency, w.Reserved, w.Amount))
	}
}
