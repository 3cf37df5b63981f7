package model

import (
	"fmt"
	"time"
)

// RawTransaction is a transaction as returned by the explorer's address
// endpoint. Values are base-unit integer strings.
type RawTransaction struct {
	TxID        string     `json:"txid"`
	BlockHash   string     `json:"blockHash,omitempty"`
	BlockHeight int64      `json:"blockHeight"`
	BlockTime   int64      `json:"blockTime"`
	Time        int64      `json:"time,omitempty"`
	Value       string     `json:"value"`
	ValueIn     string     `json:"valueIn,omitempty"`
	Fees        string     `json:"fees"`
	Vin         []TxInput  `json:"vin"`
	Vout        []TxOutput `json:"vout"`
}

type TxInput struct {
	N         int      `json:"n"`
	Addresses []string `json:"addresses"`
	Value     string   `json:"value"`
}

type TxOutput struct {
	N         int      `json:"n"`
	Addresses []string `json:"addresses"`
	Value     string   `json:"value"`
}

// Timestamp returns the block time, falling back to the first-seen time.
// ok is false when neither is set.
func (tx RawTransaction) Timestamp() (time.Time, bool) {
	sec := tx.BlockTime
	if sec == 0 {
		sec = tx.Time
	}
	if sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// FromAddress is the first address of the first input, or "unknown".
func (tx RawTransaction) FromAddress() string {
	if len(tx.Vin) > 0 && len(tx.Vin[0].Addresses) > 0 {
		return tx.Vin[0].Addresses[0]
	}
	return UnknownAddress
}

// ToAddress is the first address of the first output, or "unknown".
func (tx RawTransaction) ToAddress() string {
	if len(tx.Vout) > 0 && len(tx.Vout[0].Addresses) > 0 {
		return tx.Vout[0].Addresses[0]
	}
	return UnknownAddress
}

// ClassifierInput converts the wire shape into whole-coin amounts.
func (tx RawTransaction) ClassifierInput() (ClassifierInput, error) {
	in := ClassifierInput{
		TxID:    tx.TxID,
		Inputs:  make([]TxIO, 0, len(tx.Vin)),
		Outputs: make([]TxIO, 0, len(tx.Vout)),
	}
	for i, vin := range tx.Vin {
		v, err := ParseBaseUnits(vin.Value)
		if err != nil {
			return ClassifierInput{}, fmt.Errorf("vin[%d]: %w", i, err)
		}
		in.Inputs = append(in.Inputs, TxIO{Addresses: vin.Addresses, Value: v})
	}
	for i, vout := range tx.Vout {
		v, err := ParseBaseUnits(vout.Value)
		if err != nil {
			return ClassifierInput{}, fmt.Errorf("vout[%d]: %w", i, err)
		}
		in.Outputs = append(in.Outputs, TxIO{Addresses: vout.Addresses, Value: v})
	}
	var err error
	if in.TotalValue, err = ParseBaseUnits(tx.Value); err != nil {
		return ClassifierInput{}, fmt.Errorf("value: %w", err)
	}
	if in.Fee, err = ParseBaseUnits(tx.Fees); err != nil {
		return ClassifierInput{}, fmt.Errorf("fees: %w", err)
	}
	return in, nil
}
