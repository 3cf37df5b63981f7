package explorer

import (
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
)

type statusResponse struct {
	Blockbook struct {
		Coin          string    `json:"coin"`
		BestHeight    int64     `json:"bestHeight"`
		LastBlockTime time.Time `json:"lastBlockTime"`
		InSync        bool      `json:"inSync"`
	} `json:"blockbook"`
	Backend struct {
		Chain  string `json:"chain"`
		Blocks int64  `json:"blocks"`
	} `json:"backend"`
}

// ChainStatus is the explorer's view of the chain head.
type ChainStatus struct {
	Coin          string
	BestHeight    int64
	LastBlockTime time.Time
	InSync        bool
}

type blockResponse struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
	Time   int64  `json:"time"`
}

// AddressPage is one page of an address's transaction history.
type AddressPage struct {
	Address      string                 `json:"address"`
	Page         int                    `json:"page"`
	TotalPages   int                    `json:"totalPages"`
	ItemsOnPage  int                    `json:"itemsOnPage"`
	TxCount      int                    `json:"txs"`
	Transactions []model.RawTransaction `json:"transactions"`
}
