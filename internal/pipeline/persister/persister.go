package persister

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/failure"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline/outcome"
	"github.com/emperorhan/volume-backfill/internal/store"
	"github.com/emperorhan/volume-backfill/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultBatchSize  = 50
	DefaultBatchDelay = 500 * time.Millisecond
)

// Pricer resolves the price pair for a transaction time.
type Pricer interface {
	Resolve(ctx context.Context, ts time.Time) outcome.Result[model.PriceQuote]
}

// Inserter writes one record inside an open transaction.
type Inserter interface {
	InsertTx(ctx context.Context, tx *sql.Tx, rec model.TransactionRecord) (bool, error)
}

// Persister writes a wallet's transactions in fixed-size batches. Each batch
// is one database transaction; each record inside it has its own savepoint so
// a failing insert is skipped without losing the rest of the batch.
type Persister struct {
	db           store.TxBeginner
	txs          Inserter
	pricer       Pricer
	window       model.DateWindow
	blockchainID int64
	symbol       string
	rules        model.SuspicionRules
	batchSize    int
	batchDelay   time.Duration
	chain        string
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

type Option func(*Persister)

func WithBatchSize(n int) Option {
	return func(p *Persister) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(p *Persister) {
		if d >= 0 {
			p.batchDelay = d
		}
	}
}

func WithSuspicionRules(rules model.SuspicionRules) Option {
	return func(p *Persister) {
		p.rules = rules
	}
}

func WithChain(chain string) Option {
	return func(p *Persister) {
		p.chain = chain
	}
}

func New(
	db store.TxBeginner,
	txs Inserter,
	pricer Pricer,
	window model.DateWindow,
	blockchainID int64,
	symbol string,
	logger *slog.Logger,
	opts ...Option,
) *Persister {
	p := &Persister{
		db:           db,
		txs:          txs,
		pricer:       pricer,
		window:       window,
		blockchainID: blockchainID,
		symbol:       symbol,
		rules:        model.DefaultSuspicionRules(),
		batchSize:    DefaultBatchSize,
		batchDelay:   DefaultBatchDelay,
		chain:        symbol,
		sleep:        sleepCtx,
		logger:       logger.With("component", "persister"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Persist stores txs for wallet and returns the per-wallet counts. A batch
// that fails to commit contributes zero inserts and the remaining batches
// still run; only context cancellation stops the loop early.
func (p *Persister) Persist(ctx context.Context, wallet model.Wallet, txs []model.RawTransaction) (model.PersistStats, error) {
	var stats model.PersistStats
	log := p.logger.With("wallet_id", wallet.ID, "address", wallet.Address)

	for start, n := 0, 0; start < len(txs); start, n = start+p.batchSize, n+1 {
		if n > 0 && p.batchDelay > 0 {
			if err := p.sleep(ctx, p.batchDelay); err != nil {
				return stats, err
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := min(start+p.batchSize, len(txs))
		stats.Add(p.persistBatch(ctx, log, wallet, n, txs[start:end]))
	}
	return stats, ctx.Err()
}

func (p *Persister) persistBatch(ctx context.Context, log *slog.Logger, wallet model.Wallet, n int, batch []model.RawTransaction) model.PersistStats {
	batchStart := time.Now()
	ctx, span := tracing.Start(ctx, "persister", "batch",
		attribute.Int64("wallet.id", wallet.ID),
		attribute.Int("batch.index", n),
		attribute.Int("batch.size", len(batch)),
	)

	records, stats := p.prepare(ctx, log, wallet, batch)
	if len(records) == 0 {
		tracing.End(span, nil)
		return stats
	}

	res, err := p.write(ctx, log, records)
	metrics.PersisterBatchLatency.WithLabelValues(p.chain).Observe(time.Since(batchStart).Seconds())
	tracing.End(span, err)
	if err != nil {
		stats.FailedBatches++
		metrics.PersisterBatchesTotal.WithLabelValues(p.chain, "failed").Inc()
		log.Error("batch rolled back", "batch", n, "records", len(records), "error", err)
		return stats
	}

	stats.Inserted = res.inserted
	stats.Duplicates = res.duplicates
	stats.Skipped += res.skipped
	metrics.PersisterBatchesTotal.WithLabelValues(p.chain, "committed").Inc()
	metrics.PersisterTxInserted.WithLabelValues(p.chain).Add(float64(res.inserted))
	metrics.PersisterTxDuplicates.WithLabelValues(p.chain).Add(float64(res.duplicates))
	log.Debug("batch committed",
		"batch", n,
		"inserted", res.inserted,
		"duplicates", res.duplicates,
		"skipped", stats.Skipped,
	)
	return stats
}

// prepare validates, classifies and prices every transaction outside any
// database transaction. Failures are counted and skipped.
func (p *Persister) prepare(ctx context.Context, log *slog.Logger, wallet model.Wallet, batch []model.RawTransaction) ([]model.TransactionRecord, model.PersistStats) {
	var stats model.PersistStats
	records := make([]model.TransactionRecord, 0, len(batch))

	for _, raw := range batch {
		rec, fallback, err := p.prepareOne(ctx, wallet, raw)
		if err != nil {
			stats.Skipped++
			reason := "prepare_error"
			if failure.IsValidation(err) {
				reason = "invalid"
			}
			metrics.PersisterTxSkipped.WithLabelValues(p.chain, reason).Inc()
			log.Warn("transaction skipped", "txid", raw.TxID, "reason", reason, "error", err)
			continue
		}
		if fallback {
			stats.PriceFallbacks++
		}
		records = append(records, rec)
	}
	stats.Prepared = len(records)
	return records, stats
}

func (p *Persister) prepareOne(ctx context.Context, wallet model.Wallet, raw model.RawTransaction) (rec model.TransactionRecord, fallback bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prepare %s: panic: %v", raw.TxID, r)
		}
	}()

	if raw.TxID == "" {
		return rec, false, failure.Invalid("", "missing txid")
	}
	ts, ok := raw.Timestamp()
	if !ok {
		return rec, false, failure.Invalid(raw.TxID, "missing timestamp")
	}
	if !p.window.Contains(ts) {
		return rec, false, failure.Invalid(raw.TxID, "timestamp outside window")
	}

	in, err := raw.ClassifierInput()
	if err != nil {
		return rec, false, failure.Invalid(raw.TxID, err.Error())
	}
	classified := model.ClassifyTransaction(in, wallet.Address, p.rules)

	quote := p.pricer.Resolve(ctx, ts)
	if quote.IsFatal() {
		return rec, false, fmt.Errorf("price %s: %w", raw.TxID, quote.Cause)
	}

	return model.NewTransactionRecord(p.blockchainID, p.symbol, raw, ts, classified, quote.Value), quote.IsDegraded(), nil
}

type writeResult struct {
	inserted   int
	duplicates int
	skipped    int
}

// write inserts records in one transaction. Insert failures roll back to
// the record's savepoint; any other failure aborts the whole batch.
func (p *Persister) write(ctx context.Context, log *slog.Logger, records []model.TransactionRecord) (writeResult, error) {
	var res writeResult

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn("rollback failed", "error", rbErr)
		}
	}()

	for i, rec := range records {
		sp := fmt.Sprintf("tx_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return writeResult{}, fmt.Errorf("savepoint %s: %w", rec.TxHash, err)
		}

		inserted, err := p.txs.InsertTx(ctx, tx, rec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return writeResult{}, ctxErr
			}
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				return writeResult{}, fmt.Errorf("rollback to savepoint %s: %w", rec.TxHash, rbErr)
			}
			res.skipped++
			metrics.PersisterTxSkipped.WithLabelValues(p.chain, "insert_error").Inc()
			log.Warn("transaction insert failed", "txid", rec.TxHash, "error", err)
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return writeResult{}, fmt.Errorf("release savepoint %s: %w", rec.TxHash, err)
		}

		if inserted {
			res.inserted++
		} else {
			res.duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return writeResult{}, fmt.Errorf("commit batch: %w", err)
	}
	committed = true
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
