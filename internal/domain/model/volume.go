package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutgoingVolume is one non-suspicious outgoing transaction's priced volume,
// the input of the rollup.
type OutgoingVolume struct {
	WalletID   int64
	Timestamp  time.Time
	USDTVolume decimal.Decimal
	BTCVolume  decimal.Decimal
}

// TokenVolume is a running cumulative outgoing volume for a wallet.
type TokenVolume struct {
	WalletID          int64           `db:"wallet_id"`
	DateVolume        time.Time       `db:"date_volume"`
	TotalOutgoingUSDT decimal.Decimal `db:"total_outgoing_usdt"`
	TotalOutgoingBTC  decimal.Decimal `db:"total_outgoing_btc"`
	TokenSymbol       string          `db:"token_symbol"`
}

// AggregatedVolume is the hourly snapshot of a wallet's cumulative volume.
type AggregatedVolume struct {
	WalletID          int64           `db:"wallet_id"`
	DateVolume        time.Time       `db:"date_volume"`
	TotalOutgoingUSDT decimal.Decimal `db:"total_outgoing_usdt"`
	TotalOutgoingBTC  decimal.Decimal `db:"total_outgoing_btc"`
}
