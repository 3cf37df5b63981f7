package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/volume-backfill/internal/failure"
)

type BlockchainRepo struct {
	db *DB
}

func NewBlockchainRepo(db *DB) *BlockchainRepo {
	return &BlockchainRepo{db: db}
}

func (r *BlockchainRepo) IDBySymbol(ctx context.Context, symbol string) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM blockchains WHERE symbol = $1`, symbol).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, failure.NotFound("blockchain %q", symbol)
	}
	if err != nil {
		return 0, fmt.Errorf("find blockchain %q: %w", symbol, err)
	}
	return id, nil
}
