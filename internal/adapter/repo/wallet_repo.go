package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// WalletRepositoryPG implements domain.WalletRepository.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS wallets (
//	    kind       TEXT PRIMARY KEY,
//	    balance    BIGINT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
type WalletRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a wallet snapshot repository backed by PostgreSQL.
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepositoryPG {
	return &WalletRepositoryPG{pool: pool}
}

// Save upserts the current balance of each wallet. Reserved amounts are
// deliberately not persisted: holds belong to in-flight jobs, which do not
// survive a restart.
func (r *WalletRepositoryPG) Save(ctx context.Context, wallets []domain.Wallet) error {
	query := `
INSERT INTO wallets (kind, balance, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (kind) DO UPDATE SET balance = EXCLUDED.balance, expires_at = EXCLUDED.expires_at;
`
	for _, w := range wallets {
		if _, err := r.pool.Exec(ctx, query, w.Kind, w.Balance, w.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

// Load returns all persisted wallets; an empty slice when none exist yet.
func (r *WalletRepositoryPG) Load(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := r.pool.Query(ctx, `SELECT kind, balance, expires_at FROM wallets;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.Kind, &w.Balance, &w.ExpiresAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}
