package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is the persisted row of the transactions table. TxHash is
// unique; a second insert of the same hash is ignored.
type TransactionRecord struct {
	BlockchainID int64           `db:"blockchain_id"`
	TxHash       string          `db:"tx_hash"`
	Timestamp    time.Time       `db:"timestamp"`
	FromAddress  string          `db:"from_address"`
	ToAddress    string          `db:"to_address"`
	Direction    Direction       `db:"direction"`
	TokenSymbol  string          `db:"token_symbol"`
	Amount       decimal.Decimal `db:"amount"`
	Fee          decimal.Decimal `db:"gas_fee"`
	TxType       string          `db:"tx_type"`
	IsSuspicious bool            `db:"is_suspicious"`
	USDTVolume   decimal.Decimal `db:"usdt_volume"`
	BTCVolume    decimal.Decimal `db:"btc_volume"`
}

// NewTransactionRecord prices a classified transaction.
func NewTransactionRecord(blockchainID int64, symbol string, raw RawTransaction, ts time.Time, c ClassifiedTransaction, q PriceQuote) TransactionRecord {
	return TransactionRecord{
		BlockchainID: blockchainID,
		TxHash:       raw.TxID,
		Timestamp:    ts,
		FromAddress:  raw.FromAddress(),
		ToAddress:    raw.ToAddress(),
		Direction:    c.Direction,
		TokenSymbol:  symbol,
		Amount:       c.Amount,
		Fee:          c.Fee,
		TxType:       TxTypeTransfer,
		IsSuspicious: c.Suspicious,
		USDTVolume:   c.Amount.Mul(q.PriceUSDT),
		BTCVolume:    c.Amount.Mul(q.PriceBTC),
	}
}

// PersistStats counts what happened to one wallet's transactions.
type PersistStats struct {
	Prepared       int
	Inserted       int
	Duplicates     int
	Skipped        int
	FailedBatches  int
	PriceFallbacks int
}

func (s *PersistStats) Add(o PersistStats) {
	s.Prepared += o.Prepared
	s.Inserted += o.Inserted
	s.Duplicates += o.Duplicates
	s.Skipped += o.Skipped
	s.FailedBatches += o.FailedBatches
	s.PriceFallbacks += o.PriceFallbacks
}
