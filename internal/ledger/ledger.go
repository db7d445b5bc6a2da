// Package ledger tracks the prepaid credit balance across the paid and
// promotional wallets. It is a fast-path predictor for the provider's own
// accounting: reservations and debits happen locally, and balances are
// overwritten whenever the provider reports authoritative numbers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshforge/internal/domain"
)

// ErrUnknownReservation indicates a commit or release for an id the ledger
// has no hold for (already settled, or never issued).
var ErrUnknownReservation = errors.New("ledger: unknown reservation")

type reservation struct {
	promotional int64
	paid        int64
}

func (r reservation) total() int64 { return r.promotional + r.paid }

// Ledger owns both wallets. All mutation goes through Reserve, Commit,
// Release and Reconcile so the balance-never-negative invariant is enforced
// in one place.
type Ledger struct {
	mu           sync.Mutex
	paid         domain.Wallet
	promotional  domain.Wallet
	reservations map[string]reservation
	costs        map[domain.Quality]int64
	repo         domain.WalletRepository
	logger       zerolog.Logger
}

// Options configures a Ledger.
type Options struct {
	Costs              map[domain.Quality]int64
	InitialPaid        int64
	InitialPromotional int64
	PromotionalExpiry  time.Time
	Repository         domain.WalletRepository
	Logger             zerolog.Logger
}

// New builds a ledger seeded from a persisted snapshot when a repository is
// wired and holds one, otherwise from the configured initial balances.
func New(ctx context.Context, opts Options) (*Ledger, error) {
	if len(opts.Costs) == 0 {
		return nil, errors.New("ledger: cost table is required")
	}
	l := &Ledger{
		paid:         domain.Wallet{Kind: domain.WalletPaid, Balance: opts.InitialPaid},
		promotional:  domain.Wallet{Kind: domain.WalletPromotional, Balance: opts.InitialPromotional, ExpiresAt: opts.PromotionalExpiry},
		reservations: make(map[string]reservation),
		costs:        opts.Costs,
		repo:         opts.Repository,
		logger:       opts.Logger,
	}
	if l.repo != nil {
		wallets, err := l.repo.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: load snapshot: %w", err)
		}
		for _, w := range wallets {
			switch w.Kind {
			case domain.WalletPaid:
				l.paid.Balance = w.Balance
			case domain.WalletPromotional:
				l.promotional.Balance = w.Balance
				if !w.ExpiresAt.IsZero() {
					l.promotional.ExpiresAt = w.ExpiresAt
				}
			}
		}
	}
	return l, nil
}

// Quote returns the fixed credit cost for a quality tier.
func (l *Ledger) Quote(quality domain.Quality) (int64, error) {
	cost, ok := l.costs[quality]
	if !ok {
		return 0, fmt.Errorf("%w: unknown quality %q", domain.ErrInvalidRequest, quality)
	}
	return cost, nil
}

// Reserve places a hold of cost credits, promotional funds first. It fails
// with domain.ErrInsufficientCredits when the unexpired available balance
// cannot cover the cost.
func (l *Ledger) Reserve(ctx context.Context, cost int64) (string, error) {
	if cost <= 0 {
		return "", fmt.Errorf("%w: non-positive reservation", domain.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.promotional.Available(now)+l.paid.Available(now) < cost {
		return "", domain.ErrInsufficientCredits
	}

	res := reservation{}
	if avail := l.promotional.Available(now); avail > 0 {
		res.promotional = min64(avail, cost)
	}
	res.paid = cost - res.promotional

	l.promotional.Reserved += res.promotional
	l.paid.Reserved += res.paid

	id := uuid.NewString()
	l.reservations[id] = res
	l.persistLocked(ctx)
	return id, nil
}

// Commit converts a reservation into a real debit of actualCost credits.
// When actualCost is below the held amount the excess returns to balance;
// when the provider reports a higher cost the extra is taken from whatever
// funds remain, never driving a wallet negative.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actualCost int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(l.reservations, reservationID)

	l.promotional.Reserved -= res.promotional
	l.paid.Reserved -= res.paid

	if actualCost != res.total() {
		l.logger.Info().
			Int64("reserved", res.total()).
			Int64("actual", actualCost).
			Msg("ledger: provider-reported cost differs from quote")
	}

	// Debits may only consume funds not held by other reservations: each
	// wallet gives up at most Balance-Reserved, which at this point includes
	// the just-returned hold. Promotional funds go first within that bound.
	now := time.Now()
	remaining := actualCost
	if !l.promotional.Expired(now) {
		if free := l.promotional.Balance - l.promotional.Reserved; free > 0 {
			debit := min64(free, remaining)
			l.promotional.Balance -= debit
			remaining -= debit
		}
	}
	if free := l.paid.Balance - l.paid.Reserved; free > 0 {
		debit := min64(free, remaining)
		l.paid.Balance -= debit
	}

	l.persistLocked(ctx)
	return nil
}

// Release fully returns a reservation to available balance.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(l.reservations, reservationID)
	l.promotional.Reserved -= res.promotional
	l.paid.Reserved -= res.paid
	l.persistLocked(ctx)
	return nil
}

// Reconcile overwrites local balances with the provider's authoritative
// numbers, logging any drift. Outstanding holds are kept as-is.
func (l *Ledger) Reconcile(ctx context.Context, paid, promotional int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paid.Balance != paid || l.promotional.Balance != promotional {
		l.logger.Warn().
			Int64("local_paid", l.paid.Balance).
			Int64("local_promotional", l.promotional.Balance).
			Int64("provider_paid", paid).
			Int64("provider_promotional", promotional).
			Msg("ledger: reconciling toward provider balances")
	}
	l.paid.Balance = paid
	l.promotional.Balance = promotional
	l.persistLocked(ctx)
}

// Balances returns the wallet view exposed to the web layer.
func (l *Ledger) Balances() domain.Balances {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.Balances{
		Paid:              l.paid.Balance,
		Promotional:       l.promotional.Balance,
		PromotionalExpiry: l.promotional.ExpiresAt,
	}
}

// Wallets returns copies of both wallets, for tests and snapshots.
func (l *Ledger) Wallets() []domain.Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return []domain.Wallet{l.paid, l.promotional}
}

func (l *Ledger) persistLocked(ctx context.Context) {
	if l.repo == nil {
		return
	}
	if err := l.repo.Save(ctx, []domain.Wallet{l.paid, l.promotional}); err != nil {
		l.logger.Error().Err(err).Msg("ledger: failed to persist wallet snapshot")
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
