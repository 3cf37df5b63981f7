package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDateWindow(t *testing.T) {
	t.Parallel()

	w, err := NewDateWindow("2025-03-01", "2025-03-31")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.True(t, w.Contains(w.Start))
	assert.True(t, w.Contains(time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2025, 2, 28, 23, 59, 59, 0, time.UTC)))
	assert.Len(t, w.Hours(), 31*24)

	_, err = NewDateWindow("2025-03-02", "2025-03-01")
	assert.Error(t, err)
	_, err = NewDateWindow("03/01/2025", "2025-03-01")
	assert.Error(t, err)
}

func TestBlockRange_Clamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       BlockRange
		head     int64
		from, to int64
	}{
		{"inside", BlockRange{FromBlock: 10, ToBlock: 20}, 100, 10, 20},
		{"above head", BlockRange{FromBlock: 90, ToBlock: 120}, 100, 90, 100},
		{"negative", BlockRange{FromBlock: -5, ToBlock: 3}, 100, 0, 3},
		{"inverted", BlockRange{FromBlock: 50, ToBlock: 40}, 100, 40, 40},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.in.Clamp(tc.head)
			assert.Equal(t, tc.from, got.FromBlock)
			assert.Equal(t, tc.to, got.ToBlock)
		})
	}
}

func TestRawTransaction_Accessors(t *testing.T) {
	t.Parallel()

	ts, ok := RawTransaction{BlockTime: 1741000000, Time: 1}.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(1741000000), ts.Unix())

	ts, ok = RawTransaction{Time: 1741000001}.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(1741000001), ts.Unix())

	_, ok = RawTransaction{}.Timestamp()
	assert.False(t, ok)

	raw := RawTransaction{Vin: []TxInput{{}}, Vout: []TxOutput{{Addresses: []string{"to"}}}}
	assert.Equal(t, UnknownAddress, raw.FromAddress())
	assert.Equal(t, "to", raw.ToAddress())
}

func TestParseBaseUnits(t *testing.T) {
	t.Parallel()

	v, err := ParseBaseUnits("123456789")
	require.NoError(t, err)
	assert.Equal(t, "1.23456789", v.String())

	v, err = ParseBaseUnits("")
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	_, err = ParseBaseUnits("ten")
	assert.Error(t, err)
}

func TestNewTransactionRecord(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 5, 10, 30, 0, 0, time.UTC)
	raw := RawTransaction{TxID: "h1", Vin: []TxInput{{Addresses: []string{"from"}}}}
	c := ClassifiedTransaction{TxID: "h1", Direction: DirectionOutgoing, Amount: d("2"), Fee: d("0.001")}
	q := PriceQuote{PriceUSDT: d("95.5"), PriceBTC: d("0.0011"), Source: PriceSourceExactHour}

	rec := NewTransactionRecord(7, "ltc", raw, ts, c, q)
	assert.Equal(t, "from", rec.FromAddress)
	assert.Equal(t, UnknownAddress, rec.ToAddress)
	assert.Equal(t, TxTypeTransfer, rec.TxType)
	assert.True(t, d("191").Equal(rec.USDTVolume))
	assert.True(t, d("0.0022").Equal(rec.BTCVolume))
}

func TestHourOf(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("MSK", 3*3600)
	got := HourOf(time.Date(2025, 3, 5, 13, 45, 10, 0, loc))
	assert.Equal(t, time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC), got)
}
