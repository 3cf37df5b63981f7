package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Pinger checks database connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BlockchainRepository resolves the configured chain row.
type BlockchainRepository interface {
	// IDBySymbol returns failure.ErrNotFound when no row matches.
	IDBySymbol(ctx context.Context, symbol string) (int64, error)
}

// WalletRepository provides read access to tracked wallets.
type WalletRepository interface {
	ListByBlockchain(ctx context.Context, blockchainID int64) ([]model.Wallet, error)
	ListByIDs(ctx context.Context, blockchainID int64, ids []int64) ([]model.Wallet, error)
}

// PriceRepository provides access to the hourly token price series.
// Lookups return a nil point when nothing matches.
type PriceRepository interface {
	ExactHour(ctx context.Context, symbol string, hour time.Time) (*model.PricePoint, error)
	AtOrBefore(ctx context.Context, symbol string, t time.Time) (*model.PricePoint, error)
	Latest(ctx context.Context, symbol string) (*model.PricePoint, error)
	Coverage(ctx context.Context, symbol string) (model.PriceCoverage, error)
	BulkInsert(ctx context.Context, points []model.PricePoint) (int64, error)
}

// TransactionRepository provides access to persisted wallet transactions.
type TransactionRepository interface {
	// InsertTx inserts rec unless its hash already exists and reports
	// whether a row was written.
	InsertTx(ctx context.Context, tx *sql.Tx, rec model.TransactionRecord) (bool, error)
	OutgoingVolumes(ctx context.Context, wallet model.Wallet) ([]model.OutgoingVolume, error)
}

// VolumeRepository provides access to the rollup tables.
type VolumeRepository interface {
	UpsertTokenVolumesTx(ctx context.Context, tx *sql.Tx, vols []model.TokenVolume) (int64, error)
	ListTokenVolumes(ctx context.Context, walletID int64, symbol string, upTo time.Time) ([]model.TokenVolume, error)
	UpsertAggregatedTx(ctx context.Context, tx *sql.Tx, vols []model.AggregatedVolume) (int64, error)
}
