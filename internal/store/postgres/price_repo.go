package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
)

// priceInsertChunk keeps a single INSERT under the Postgres parameter limit.
const priceInsertChunk = 500

type PriceRepo struct {
	db *DB
}

func NewPriceRepo(db *DB) *PriceRepo {
	return &PriceRepo{db: db}
}

func (r *PriceRepo) ExactHour(ctx context.Context, symbol string, hour time.Time) (*model.PricePoint, error) {
	return r.findOne(ctx, "exact hour price", `
		SELECT token_symbol, timestamp, price_usdt, price_btc
		FROM token_prices
		WHERE token_symbol = $1 AND timestamp = $2
		LIMIT 1
	`, symbol, hour.UTC())
}

func (r *PriceRepo) AtOrBefore(ctx context.Context, symbol string, t time.Time) (*model.PricePoint, error) {
	return r.findOne(ctx, "price at or before", `
		SELECT token_symbol, timestamp, price_usdt, price_btc
		FROM token_prices
		WHERE token_symbol = $1 AND timestamp <= $2
		ORDER BY timestamp DESC
		LIMIT 1
	`, symbol, t.UTC())
}

func (r *PriceRepo) Latest(ctx context.Context, symbol string) (*model.PricePoint, error) {
	return r.findOne(ctx, "latest price", `
		SELECT token_symbol, timestamp, price_usdt, price_btc
		FROM token_prices
		WHERE token_symbol = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`, symbol)
}

func (r *PriceRepo) findOne(ctx context.Context, what, query string, args ...any) (*model.PricePoint, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var p model.PricePoint
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&p.TokenSymbol, &p.Timestamp, &p.PriceUSDT, &p.PriceBTC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", what, err)
	}
	p.Timestamp = p.Timestamp.UTC()
	return &p, nil
}

func (r *PriceRepo) Coverage(ctx context.Context, symbol string) (model.PriceCoverage, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	cov := model.PriceCoverage{TokenSymbol: symbol}
	var first, last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp), COUNT(*)
		FROM token_prices
		WHERE token_symbol = $1
	`, symbol).Scan(&first, &last, &cov.Count)
	if err != nil {
		return cov, fmt.Errorf("price coverage: %w", err)
	}
	if first.Valid {
		cov.First = first.Time.UTC()
	}
	if last.Valid {
		cov.Last = last.Time.UTC()
	}
	return cov, nil
}

// BulkInsert writes points with multi-VALUES inserts, ignoring rows whose
// (token_symbol, timestamp) already exists. It returns the number of new rows.
func (r *PriceRepo) BulkInsert(ctx context.Context, points []model.PricePoint) (int64, error) {
	var total int64
	for start := 0; start < len(points); start += priceInsertChunk {
		end := min(start+priceInsertChunk, len(points))
		n, err := r.insertChunk(ctx, points[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *PriceRepo) insertChunk(ctx context.Context, points []model.PricePoint) (int64, error) {
	const cols = 4
	args := make([]any, 0, len(points)*cols)
	valuesClauses := make([]string, 0, len(points))

	for i, p := range points {
		base := i * cols
		valuesClauses = append(valuesClauses, fmt.Sprintf(
			"($%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4,
		))
		args = append(args, p.TokenSymbol, p.Timestamp.UTC(), p.PriceUSDT, p.PriceBTC)
	}

	query := fmt.Sprintf(`
		INSERT INTO token_prices (token_symbol, timestamp, price_usdt, price_btc)
		VALUES %s
		ON CONFLICT (token_symbol, timestamp) DO NOTHING
	`, strings.Join(valuesClauses, ", "))

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk insert token prices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk insert token prices rows affected: %w", err)
	}
	return n, nil
}
