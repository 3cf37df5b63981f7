package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
)

type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// InsertTx inserts rec inside tx. A hash that already exists is left
// untouched and reported as not inserted.
func (r *TransactionRepo) InsertTx(ctx context.Context, tx *sql.Tx, rec model.TransactionRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			blockchain_id, tx_hash, timestamp, from_address, to_address,
			direction, token_symbol, amount, gas_fee, tx_type,
			is_suspicious, usdt_volume, btc_volume
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tx_hash) DO NOTHING
	`, rec.BlockchainID, rec.TxHash, rec.Timestamp.UTC(), rec.FromAddress, rec.ToAddress,
		string(rec.Direction), rec.TokenSymbol, rec.Amount, rec.Fee, rec.TxType,
		rec.IsSuspicious, rec.USDTVolume, rec.BTCVolume,
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction %s: %w", rec.TxHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert transaction %s rows affected: %w", rec.TxHash, err)
	}
	return n > 0, nil
}

// OutgoingVolumes lists the wallet's non-suspicious transactions sent from
// its address in timestamp order. Missing volumes read as zero.
func (r *TransactionRepo) OutgoingVolumes(ctx context.Context, wallet model.Wallet) ([]model.OutgoingVolume, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, COALESCE(usdt_volume, 0), COALESCE(btc_volume, 0)
		FROM transactions
		WHERE from_address = $1 AND blockchain_id = $2 AND is_suspicious = false
		ORDER BY timestamp ASC, id ASC
	`, wallet.Address, wallet.BlockchainID)
	if err != nil {
		return nil, fmt.Errorf("query outgoing volumes: %w", err)
	}
	defer rows.Close()

	var out []model.OutgoingVolume
	for rows.Next() {
		v := model.OutgoingVolume{WalletID: wallet.ID}
		if err := rows.Scan(&v.Timestamp, &v.USDTVolume, &v.BTCVolume); err != nil {
			return nil, fmt.Errorf("scan outgoing volume: %w", err)
		}
		v.Timestamp = v.Timestamp.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}
