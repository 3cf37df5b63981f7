package model

// Wallet is a tracked address on one blockchain. Wallets are created outside
// the backfill and are read-only here.
type Wallet struct {
	ID           int64  `db:"id"`
	Address      string `db:"address"`
	BlockchainID int64  `db:"blockchain_id"`
}

type Blockchain struct {
	ID     int64  `db:"id"`
	Symbol string `db:"symbol"`
	Name   string `db:"name"`
}
