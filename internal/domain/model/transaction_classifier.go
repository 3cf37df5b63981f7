package model

import "github.com/shopspring/decimal"

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionInternal Direction = "internal"
)

func (d Direction) String() string {
	return string(d)
}

const (
	UnknownAddress = "unknown"
	TxTypeTransfer = "transfer"
)

// TxIO is one input or output with its owning addresses and whole-coin value.
type TxIO struct {
	Addresses []string
	Value     decimal.Decimal
}

// AddressSet is an unordered set of addresses.
type AddressSet map[string]struct{}

func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s AddressSet) Has(addr string) bool {
	_, ok := s[addr]
	return ok
}

// ClassifierInput is the fixed-shape view of a transaction used for
// classification.
type ClassifierInput struct {
	TxID       string
	Inputs     []TxIO
	Outputs    []TxIO
	TotalValue decimal.Decimal
	Fee        decimal.Decimal
}

// SuspicionRules flag fan-out and very large transfers.
type SuspicionRules struct {
	ValueThreshold decimal.Decimal
	MaxOutputs     int
}

func DefaultSuspicionRules() SuspicionRules {
	return SuspicionRules{
		ValueThreshold: decimal.NewFromInt(5000),
		MaxOutputs:     10,
	}
}

type ClassifiedTransaction struct {
	TxID       string
	Direction  Direction
	Amount     decimal.Decimal
	Fee        decimal.Decimal
	Suspicious bool
}

// ClassifyTransaction derives direction and amount of tx from the point of
// view of wallet.
//
// The wallet is a sender when it owns any input and a receiver when it owns
// any output. A sender that also receives is outgoing only if it got back less
// than it spent, otherwise the transfer is internal. Incoming and internal
// amounts are the outputs paid to the wallet; outgoing amounts are inputs
// spent minus change returned.
func ClassifyTransaction(tx ClassifierInput, wallet string, rules SuspicionRules) ClassifiedTransaction {
	sent, isSender := ownedValue(tx.Inputs, wallet)
	received, isReceiver := ownedValue(tx.Outputs, wallet)

	direction := DirectionIncoming
	switch {
	case isSender && isReceiver:
		if received.LessThan(sent) {
			direction = DirectionOutgoing
		} else {
			direction = DirectionInternal
		}
	case isSender:
		direction = DirectionOutgoing
	}

	amount := received
	if direction == DirectionOutgoing {
		amount = sent.Sub(received)
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	return ClassifiedTransaction{
		TxID:       tx.TxID,
		Direction:  direction,
		Amount:     amount,
		Fee:        tx.Fee,
		Suspicious: IsSuspicious(tx, rules),
	}
}

// IsSuspicious reports whether the total value exceeds the threshold or the
// transaction fans out to more than MaxOutputs outputs.
func IsSuspicious(tx ClassifierInput, rules SuspicionRules) bool {
	if tx.TotalValue.GreaterThan(rules.ValueThreshold) {
		return true
	}
	return len(tx.Outputs) > rules.MaxOutputs
}

func ownedValue(ios []TxIO, wallet string) (decimal.Decimal, bool) {
	sum := decimal.Zero
	owned := false
	for _, io := range ios {
		if !NewAddressSet(io.Addresses...).Has(wallet) {
			continue
		}
		owned = true
		sum = sum.Add(io.Value)
	}
	return sum, owned
}
