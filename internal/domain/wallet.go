package domain

import "time"

// WalletKind distinguishes the two credit pools.
type WalletKind string

const (
	WalletPaid        WalletKind = "paid"
	WalletPromotional WalletKind = "promotional"
)

// Wallet is one credit pool. Promotional wallets may expire; paid wallets
// never do (ExpiresAt stays zero).
type Wallet struct {
	Kind      WalletKind
	Balance   int64
	Reserved  int64
	ExpiresAt time.Time
}

// Expired reports whether the wallet's funds are no longer spendable at now.
func (w Wallet) Expired(now time.Time) bool {
	return !w.ExpiresAt.IsZero() && now.After(w.ExpiresAt)
}

// Available returns the spendable balance at now, net of holds.
func (w Wallet) Available(now time.Time) int64 {
	if w.Expired(now) {
		return 0
	}
	return w.Balance - w.Reserved
}

// Balances is the read-only wallet view exposed to the web layer.
type Balances struct {
	Paid              int64
	Promotional       int64
	PromotionalExpiry time.Time
}
