package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

type scriptedVenue struct {
	balances   []common.Balance // consumed one per fetch; last one repeats
	balanceErr error
	placeErrs  []error
	placed     []common.OrderRequest
	fetches    int
}

func (v *scriptedVenue) FetchBalance(ctx context.Context) (common.Balance, error) {
	v.fetches++
	if v.balanceErr != nil {
		return common.Balance{}, v.balanceErr
	}
	if len(v.balances) == 0 {
		return common.Balance{}, nil
	}
	b := v.balances[0]
	if len(v.balances) > 1 {
		v.balances = v.balances[1:]
	}
	return b, nil
}

func (v *scriptedVenue) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	v.placed = append(v.placed, req)
	if len(v.placeErrs) > 0 {
		err := v.placeErrs[0]
		v.placeErrs = v.placeErrs[1:]
		if err != nil {
			return common.OrderAck{}, err
		}
	}
	return common.OrderAck{ID: "TGT-1", Status: common.StatusOpen}, nil
}

func free(asset string, amt float64) common.Balance {
	return common.Balance{Free: map[string]float64{asset: amt}}
}

func newDetector(v Venue) (*Detector, *[]time.Duration) {
	d := New(v, nil, DefaultConfig(), zerolog.Nop())
	clock := time.Unix(1700000000, 0)
	var sleeps []time.Duration
	d.now = func() time.Time { return clock }
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		clock = clock.Add(dur)
		return nil
	}
	return d, &sleeps
}

func TestWaitForSettlementBuyChecksBase(t *testing.T) {
	v := &scriptedVenue{balances: []common.Balance{free("BTC", 0), free("BTC", 0.00995)}}
	d, _ := newDetector(v)

	ok, msg := d.WaitForSettlement(context.Background(), "BTC/USD", common.SideBuy, 0.01, 50000, 10*time.Second)
	assert.True(t, ok, msg)
	assert.Equal(t, 2, v.fetches)
}

func TestWaitForSettlementSellChecksQuote(t *testing.T) {
	v := &scriptedVenue{balances: []common.Balance{free("USD", 495)}}
	d, _ := newDetector(v)

	ok, _ := d.WaitForSettlement(context.Background(), "BTC/USD", common.SideSell, 0.01, 50000, time.Second)
	assert.True(t, ok)
}

func TestWaitForSettlementTimeout(t *testing.T) {
	v := &scriptedVenue{balances: []common.Balance{free("BTC", 0.001)}}
	d, sleeps := newDetector(v)

	ok, msg := d.WaitForSettlement(context.Background(), "BTC/USD", common.SideBuy, 0.01, 50000, 3*time.Second)
	assert.False(t, ok)
	assert.Contains(t, msg, "settlement timeout after 3s")
	assert.Contains(t, msg, "0.00100000")
	var total time.Duration
	for _, s := range *sleeps {
		total += s
	}
	assert.Equal(t, 3*time.Second, total)
}

func TestWaitForSettlementKeepsPollingOnErrors(t *testing.T) {
	v := &scriptedVenue{balanceErr: errors.New("EService:Unavailable")}
	d, _ := newDetector(v)

	ok, msg := d.WaitForSettlement(context.Background(), "BTC/USD", common.SideBuy, 0.01, 50000, 2*time.Second)
	assert.False(t, ok)
	assert.Contains(t, msg, "EService:Unavailable")
	assert.Equal(t, 3, v.fetches)
}

func TestRetryBackoffSchedule(t *testing.T) {
	timeout := errors.New("kraken /0/private/AddOrder: connection error: timeout")
	v := &scriptedVenue{placeErrs: []error{timeout, timeout, timeout, timeout, timeout}}
	d, sleeps := newDetector(v)

	res, err := d.PlaceProtectiveOrderWithRetry(context.Background(), ProtectiveOrder{
		Request: common.OrderRequest{Symbol: "BTC/USD", Side: common.SideSell, Type: common.OrderTypeTakeProfit, Amount: 0.01, StopPrice: 51500},
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, *sleeps)
}

func TestRetryNonRetryableFailsImmediately(t *testing.T) {
	v := &scriptedVenue{placeErrs: []error{errors.New("EGeneral:Invalid arguments:volume")}}
	d, sleeps := newDetector(v)

	res, err := d.PlaceProtectiveOrderWithRetry(context.Background(), ProtectiveOrder{
		Request: common.OrderRequest{Symbol: "BTC/USD", Side: common.SideSell, Type: common.OrderTypeTakeProfit, Amount: 0.01},
	})
	require.ErrorIs(t, err, ErrNonRetryable)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, *sleeps)
}

func TestRetryInsufficientFundsRepollsSettlement(t *testing.T) {
	v := &scriptedVenue{
		placeErrs: []error{errors.New("EOrder:Insufficient funds")},
		balances:  []common.Balance{free("BTC", 0), free("BTC", 0.01)},
	}
	d, _ := newDetector(v)

	res, err := d.PlaceProtectiveOrderWithRetry(context.Background(), ProtectiveOrder{
		Request:   common.OrderRequest{Symbol: "BTC/USD", Side: common.SideSell, Type: common.OrderTypeTakeProfit, Amount: 0.01, StopPrice: 51500},
		EntrySide: common.SideBuy,
		FilledQty: 0.01,
		FillPrice: 50000,
	})
	require.NoError(t, err)
	assert.Equal(t, "TGT-1", res.OrderID)
	assert.Equal(t, 2, res.Attempts)
	assert.GreaterOrEqual(t, v.fetches, 2, "settlement was polled between attempts")
}

func TestIsRetryable(t *testing.T) {
	cases := map[string]bool{
		"EOrder:Insufficient funds":      true,
		"EAPI:Rate limit exceeded":       true,
		"EService:Unavailable":           true,
		"ETAPI:Timeout":                  true,
		"Internal error":                 true,
		"connection reset by peer":       true,
		"EGeneral:Invalid arguments":     false,
		"EQuery:Unknown asset pair":      false,
		"EOrder:Order minimum not met":   false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, IsRetryable(errors.New(msg)), msg)
	}
	assert.False(t, IsRetryable(nil))
}
