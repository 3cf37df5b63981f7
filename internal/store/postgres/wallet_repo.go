package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/lib/pq"
)

type WalletRepo struct {
	db *DB
}

func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

func (r *WalletRepo) ListByBlockchain(ctx context.Context, blockchainID int64) ([]model.Wallet, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, blockchain_id
		FROM wallets
		WHERE blockchain_id = $1
		ORDER BY id
	`, blockchainID)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	return scanWallets(rows)
}

// ListByIDs restricts the listing to ids; an empty ids slice lists every
// wallet of the chain.
func (r *WalletRepo) ListByIDs(ctx context.Context, blockchainID int64, ids []int64) ([]model.Wallet, error) {
	if len(ids) == 0 {
		return r.ListByBlockchain(ctx, blockchainID)
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, blockchain_id
		FROM wallets
		WHERE blockchain_id = $1 AND id = ANY($2)
		ORDER BY id
	`, blockchainID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query wallets by id: %w", err)
	}
	return scanWallets(rows)
}

func scanWallets(rows *sql.Rows) ([]model.Wallet, error) {
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		var w model.Wallet
		if err := rows.Scan(&w.ID, &w.Address, &w.BlockchainID); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}
