package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PriceSource string

const (
	PriceSourceExactHour   PriceSource = "exact_hour"
	PriceSourceAtOrBefore  PriceSource = "at_or_before"
	PriceSourceLatest      PriceSource = "latest"
	PriceSourceFallback    PriceSource = "fallback"
	PriceSourceOutOfWindow PriceSource = "out_of_window"
)

// PricePoint is one stored hourly price for a token.
type PricePoint struct {
	TokenSymbol string          `db:"token_symbol"`
	Timestamp   time.Time       `db:"timestamp"`
	PriceUSDT   decimal.Decimal `db:"price_usdt"`
	PriceBTC    decimal.Decimal `db:"price_btc"`
}

// PriceQuote is the price pair applied to a transaction and where it came from.
type PriceQuote struct {
	PriceUSDT decimal.Decimal
	PriceBTC  decimal.Decimal
	Source    PriceSource
}

// PriceCoverage summarizes the stored price series for a symbol.
type PriceCoverage struct {
	TokenSymbol string
	Count       int64
	First       time.Time
	Last        time.Time
}

// HourOf truncates t to its UTC hour.
func HourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
