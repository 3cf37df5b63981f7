package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
)

const volumeUpsertChunk = 500

type VolumeRepo struct {
	db *DB
}

func NewVolumeRepo(db *DB) *VolumeRepo {
	return &VolumeRepo{db: db}
}

// UpsertTokenVolumesTx writes cumulative volumes keyed by
// (wallet_id, token_symbol, date_volume). Rows sharing a key within one call
// keep the last value.
func (r *VolumeRepo) UpsertTokenVolumesTx(ctx context.Context, tx *sql.Tx, vols []model.TokenVolume) (int64, error) {
	vols = lastTokenVolumePerKey(vols)

	var total int64
	for start := 0; start < len(vols); start += volumeUpsertChunk {
		chunk := vols[start:min(start+volumeUpsertChunk, len(vols))]

		const cols = 5
		args := make([]any, 0, len(chunk)*cols)
		valuesClauses := make([]string, 0, len(chunk))
		for i, v := range chunk {
			base := i * cols
			valuesClauses = append(valuesClauses, fmt.Sprintf(
				"($%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5,
			))
			args = append(args, v.WalletID, v.DateVolume.UTC(), v.TotalOutgoingUSDT, v.TotalOutgoingBTC, v.TokenSymbol)
		}

		query := fmt.Sprintf(`
			INSERT INTO token_volumes (wallet_id, date_volume, total_tk_outgoing_usdt, total_tk_outgoing_btc, token_symbol)
			VALUES %s
			ON CONFLICT (wallet_id, token_symbol, date_volume) DO UPDATE SET
				total_tk_outgoing_usdt = EXCLUDED.total_tk_outgoing_usdt,
				total_tk_outgoing_btc = EXCLUDED.total_tk_outgoing_btc
		`, strings.Join(valuesClauses, ", "))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("upsert token volumes: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("upsert token volumes rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// ListTokenVolumes returns the cumulative series of a wallet up to and
// including upTo, oldest first.
func (r *VolumeRepo) ListTokenVolumes(ctx context.Context, walletID int64, symbol string, upTo time.Time) ([]model.TokenVolume, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT wallet_id, date_volume, total_tk_outgoing_usdt, total_tk_outgoing_btc, token_symbol
		FROM token_volumes
		WHERE wallet_id = $1 AND token_symbol = $2 AND date_volume <= $3
		ORDER BY date_volume ASC
	`, walletID, symbol, upTo.UTC())
	if err != nil {
		return nil, fmt.Errorf("query token volumes: %w", err)
	}
	defer rows.Close()

	var out []model.TokenVolume
	for rows.Next() {
		var v model.TokenVolume
		if err := rows.Scan(&v.WalletID, &v.DateVolume, &v.TotalOutgoingUSDT, &v.TotalOutgoingBTC, &v.TokenSymbol); err != nil {
			return nil, fmt.Errorf("scan token volume: %w", err)
		}
		v.DateVolume = v.DateVolume.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertAggregatedTx writes hourly snapshots keyed by (wallet_id, date_volume).
func (r *VolumeRepo) UpsertAggregatedTx(ctx context.Context, tx *sql.Tx, vols []model.AggregatedVolume) (int64, error) {
	var total int64
	for start := 0; start < len(vols); start += volumeUpsertChunk {
		chunk := vols[start:min(start+volumeUpsertChunk, len(vols))]

		const cols = 4
		args := make([]any, 0, len(chunk)*cols)
		valuesClauses := make([]string, 0, len(chunk))
		for i, v := range chunk {
			base := i * cols
			valuesClauses = append(valuesClauses, fmt.Sprintf(
				"($%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4,
			))
			args = append(args, v.WalletID, v.DateVolume.UTC(), v.TotalOutgoingUSDT, v.TotalOutgoingBTC)
		}

		query := fmt.Sprintf(`
			INSERT INTO aggregated_volumes (wallet_id, date_volume, total_outgoing_usdt, total_outgoing_btc)
			VALUES %s
			ON CONFLICT (wallet_id, date_volume) DO UPDATE SET
				total_outgoing_usdt = EXCLUDED.total_outgoing_usdt,
				total_outgoing_btc = EXCLUDED.total_outgoing_btc
		`, strings.Join(valuesClauses, ", "))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("upsert aggregated volumes: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("upsert aggregated volumes rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// lastTokenVolumePerKey drops earlier rows that share a conflict key with a
// later one; Postgres rejects a single INSERT touching the same key twice.
func lastTokenVolumePerKey(vols []model.TokenVolume) []model.TokenVolume {
	type key struct {
		wallet int64
		symbol string
		ts     int64
	}
	idx := make(map[key]int, len(vols))
	out := make([]model.TokenVolume, 0, len(vols))
	for _, v := range vols {
		k := key{v.WalletID, v.TokenSymbol, v.DateVolume.UnixNano()}
		if i, ok := idx[k]; ok {
			out[i] = v
			continue
		}
		idx[k] = len(out)
		out = append(out, v)
	}
	return out
}
