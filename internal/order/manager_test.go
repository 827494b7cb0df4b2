package order_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/order"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, seed int64) (*order.Manager, *eventbus.EventBus) {
	t.Helper()
	bus := eventbus.New(zap.NewNop())
	slip := order.NewSlippageModel(rand.New(rand.NewSource(seed)))
	return order.New(order.DefaultConfig(), zap.NewNop(), bus, slip), bus
}

func TestValidationRejectsBadInputs(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	ctx := context.Background()

	cases := []order.SubmitOrderRequest{
		{Symbol: "  ", Side: order.SideBuy, Quantity: 1, Price: 1, Leverage: 1, Kind: order.KindLimit},
		{Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 0, Price: 1, Leverage: 1, Kind: order.KindLimit},
		{Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: -5, Leverage: 1, Kind: order.KindLimit},
		{Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1e16, Price: 1, Leverage: 1, Kind: order.KindLimit},
		{Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: 1, Leverage: 0, Kind: order.KindLimit},
		{Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: 1, Leverage: 11, Kind: order.KindLimit},
		{Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: 1, Leverage: 1, Kind: order.KindMarket, MaxSlippagePct: -1},
	}
	for i, req := range cases {
		if _, err := mgr.SubmitOrder(ctx, req); err == nil {
			t.Errorf("case %d: expected a validation error, got none", i)
		}
	}
	if pos := mgr.Position("BTCUSDT"); pos != nil {
		t.Fatal("a rejected order must not create a position")
	}
}

func TestSellWithoutLongIsPrecondition(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	_, err := mgr.SubmitOrder(context.Background(), order.SubmitOrderRequest{
		Symbol: "ETHUSDT", Side: order.SideSell, Quantity: 1, Price: 100, Leverage: 1, Kind: order.KindLimit,
	})
	if _, ok := err.(*order.PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}
	if mgr.Position("ETHUSDT") != nil {
		t.Fatal("a rejected SELL must not create a position")
	}
}

func TestCoverWithoutShortIsPrecondition(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	_, err := mgr.SubmitOrder(context.Background(), order.SubmitOrderRequest{
		Symbol: "ETHUSDT", Side: order.SideCover, Quantity: 1, Price: 100, Leverage: 1, Kind: order.KindLimit,
	})
	if err == nil {
		t.Fatal("expected a PreconditionError")
	}
}

func asPrecondition(err error, target **order.PreconditionError) bool {
	pe, ok := err.(*order.PreconditionError)
	if ok {
		*target = pe
	}
	return ok
}

func TestBuyOpensLongPosition(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	_, err := mgr.SubmitOrder(context.Background(), order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 10, Price: 50000, Leverage: 1, Kind: order.KindLimit,
	})
	if err != nil {
		t.Fatal(err)
	}
	pos := mgr.Position("BTCUSDT")
	if pos == nil || pos.Type() != order.PositionLong {
		t.Fatalf("expected an open LONG position, got %+v", pos)
	}
	if pos.Quantity != 10 || pos.AveragePrice != 50000 {
		t.Fatalf("unexpected position state: %+v", pos)
	}
}

func TestSellExceedingLongClampsToFlatNeverShort(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	ctx := context.Background()
	if _, err := mgr.SubmitOrder(ctx, order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 10, Price: 50000, Leverage: 1, Kind: order.KindLimit,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.SubmitOrder(ctx, order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideSell, Quantity: 25, Price: 51000, Leverage: 1, Kind: order.KindLimit,
	}); err != nil {
		t.Fatal(err)
	}

	pos := mgr.Position("BTCUSDT")
	if pos == nil || pos.Type() != order.PositionFlat || pos.Quantity != 0 {
		t.Fatalf("a SELL exceeding the LONG must clamp to flat, got %+v", pos)
	}
}

func TestCoverExceedingShortClampsToFlatNeverLong(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	ctx := context.Background()
	if _, err := mgr.SubmitOrder(ctx, order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideShort, Quantity: 10, Price: 50000, Leverage: 1, Kind: order.KindLimit,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.SubmitOrder(ctx, order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideCover, Quantity: 25, Price: 49000, Leverage: 1, Kind: order.KindLimit,
	}); err != nil {
		t.Fatal(err)
	}

	pos := mgr.Position("BTCUSDT")
	if pos == nil || pos.Type() != order.PositionFlat || pos.Quantity != 0 {
		t.Fatalf("a COVER exceeding the SHORT must clamp to flat, got %+v", pos)
	}
}

// TestS5PositionFlip covers a position flip through zero: LONG 10 @ 50000, then
// SHORT 20 @ 51000 flips to SHORT 10 @ 51000 with one position_closed (the
// LONG leg, realized P&L 10000) and one position_opened (the new SHORT leg).
func TestS5PositionFlip(t *testing.T) {
	mgr, bus := newTestManager(t, 1)
	ctx := context.Background()

	var closed, opened []order.PositionEvent
	bus.Subscribe(order.TopicPositionClosed, func(e eventbus.Event) error {
		closed = append(closed, e.Payload.(order.PositionEvent))
		return nil
	})
	bus.Subscribe(order.TopicPositionOpened, func(e eventbus.Event) error {
		opened = append(opened, e.Payload.(order.PositionEvent))
		return nil
	})

	if _, err := mgr.SubmitOrder(ctx, order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 10, Price: 50000, Leverage: 1, Kind: order.KindLimit,
	}); err != nil {
		t.Fatal(err)
	}
	// The opening BUY also emits a position_opened for the LONG leg.
	if len(opened) != 1 {
		t.Fatalf("expected 1 position_opened after the initial BUY, got %d", len(opened))
	}

	if _, err := mgr.SubmitOrder(ctx, order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideShort, Quantity: 20, Price: 51000, Leverage: 1, Kind: order.KindLimit,
	}); err != nil {
		t.Fatal(err)
	}

	pos := mgr.Position("BTCUSDT")
	if pos == nil || pos.Type() != order.PositionShort || pos.Quantity != -10 || pos.AveragePrice != 51000 {
		t.Fatalf("expected final SHORT 10 @ 51000, got %+v", pos)
	}

	if len(closed) != 1 {
		t.Fatalf("expected exactly 1 position_closed for the flip, got %d", len(closed))
	}
	if closed[0].RealizedPnL != 10000 {
		t.Fatalf("expected realized P&L 10000 on the closed LONG leg, got %v", closed[0].RealizedPnL)
	}
	if len(opened) != 2 {
		t.Fatalf("expected a second position_opened for the new SHORT leg, got %d", len(opened))
	}
}

func TestZeroMaxSlippageReturnsPriceUnchanged(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	ord, err := mgr.SubmitOrder(context.Background(), order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: 100, Leverage: 1,
		Kind: order.KindMarket, MaxSlippagePct: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ord.ActualPrice != 100 || ord.ActualSlippagePct != 0 {
		t.Fatalf("expected zero slippage at max=0, got price=%v slippage=%v", ord.ActualPrice, ord.ActualSlippagePct)
	}
}

func TestLimitOrderFillsAtRequestedPriceWithZeroSlippage(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	ord, err := mgr.SubmitOrder(context.Background(), order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: 100, Leverage: 1,
		Kind: order.KindLimit, MaxSlippagePct: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ord.ActualPrice != 100 || ord.ActualSlippagePct != 0 {
		t.Fatalf("LIMIT orders must fill at requested price with zero slippage, got %+v", ord)
	}
}

func TestSlippageAtZeroPriceReturnsZeroWithoutError(t *testing.T) {
	model := order.NewSlippageModel(rand.New(rand.NewSource(7)))
	actual, pct := model.Simulate(order.SideBuy, 0, 2)
	if actual != 0 {
		t.Fatalf("expected actual price 0, got %v", actual)
	}
	if pct < 0 || pct > 2 {
		t.Fatalf("expected a slippage draw within [0,2], got %v", pct)
	}
}

func TestHighLeverageWarnsButSucceeds(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	_, err := mgr.SubmitOrder(context.Background(), order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: 100, Leverage: 10, Kind: order.KindLimit,
	})
	if err != nil {
		t.Fatalf("leverage 10 is in range and must succeed (with a warning), got %v", err)
	}
}

func TestEmergencyExitAndClosePositionAreNoOpsWhenFlat(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	ctx := context.Background()
	if err := mgr.ClosePosition(ctx, "BTCUSDT", 100); err != nil {
		t.Fatalf("ClosePosition on a flat symbol must be a no-op, got %v", err)
	}
	if err := mgr.EmergencyExit(ctx, "BTCUSDT", 100); err != nil {
		t.Fatalf("EmergencyExit on a flat symbol must be a no-op, got %v", err)
	}
}

func TestLiquidationPriceForLongAndShort(t *testing.T) {
	mgr, _ := newTestManager(t, 1)
	ctx := context.Background()
	if _, err := mgr.SubmitOrder(ctx, order.SubmitOrderRequest{
		Symbol: "BTCUSDT", Side: order.SideBuy, Quantity: 1, Price: 100, Leverage: 5, Kind: order.KindLimit,
	}); err != nil {
		t.Fatal(err)
	}
	pos := mgr.Position("BTCUSDT")
	want := 100 * (1 - 1.0/5)
	if pos.LiquidationPrice != want {
		t.Fatalf("expected liquidation price %v, got %v", want, pos.LiquidationPrice)
	}
}
