package domain

import "context"

// JobRepository persists the registry's job index for restart survival.
// Implementations are optional; the registry works purely in memory when no
// repository is wired.
type JobRepository interface {
	Create(ctx context.Context, job *GenerationJob) error
	Update(ctx context.Context, job *GenerationJob) error
	GetByID(ctx context.Context, jobID string) (*GenerationJob, error)
	ExpireStale(ctx context.Context, detail string) (int64, error)
}

// WalletRepository snapshots ledger balances.
type WalletRepository interface {
	Save(ctx context.Context, wallets []Wallet) error
	Load(ctx context.Context) ([]Wallet, error)
}
