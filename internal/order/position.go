package order

import "time"

// positionEventKind tags which lifecycle event a position update produced.
type positionEventKind string

const (
	eventPositionOpened positionEventKind = "position_opened"
	eventPositionUpdated positionEventKind = "position_updated"
	eventPositionClosed positionEventKind = "position_closed"
)

// positionEvent describes one lifecycle event to publish after an update.
// A flip (old and new quantities have opposite, nonzero signs) yields two
// events — a close for the leg that flipped away, then an open for the new
// leg at the fill price: one position_closed carrying the realized P&L on
// the closed leg, one position_opened for the new side.
type positionEvent struct {
	Kind        positionEventKind
	Quantity    float64
	Price       float64
	RealizedPnL float64
}

// applyFill updates pos in place per side's sign convention and
// returns the lifecycle events the update produced, plus any precondition
// violation (SELL without LONG, COVER without SHORT) — in which case pos is
// left untouched and no events are returned.
func applyFill(pos *Position, side Side, quantity, price float64, leverage int, now time.Time) ([]positionEvent, error) {
	before := pos.Type()

	switch side {
	case SideBuy:
		return applyOpeningFill(pos, before, quantity, price, leverage, now, PositionLong)
	case SideShort:
		return applyOpeningFill(pos, before, -quantity, price, leverage, now, PositionShort)
	case SideSell:
		if before != PositionLong {
			return nil, &PreconditionError{Symbol: pos.Symbol, Side: side, Reason: "no LONG position to sell"}
		}
		return applyClosingFill(pos, quantity, price, now), nil
	case SideCover:
		if before != PositionShort {
			return nil, &PreconditionError{Symbol: pos.Symbol, Side: side, Reason: "no SHORT position to cover"}
		}
		return applyClosingFill(pos, quantity, price, now), nil
	default:
		return nil, &ValidationError{Field: "side", Reason: "unknown order side"}
	}
}

// applyOpeningFill handles BUY (signedDelta>0) and SHORT (signedDelta<0):
// additions to a same-direction position VWAP-blend; a flip through zero
// closes the old leg and opens the new one at price; landing exactly on zero
// is a full close with no new leg.
func applyOpeningFill(pos *Position, before PositionType, signedDelta, price float64, leverage int, now time.Time, openingSide PositionType) ([]positionEvent, error) {
	oldQty := pos.Quantity
	newQty := oldQty + signedDelta

	sameDirection := before == PositionFlat || before == openingSide
	if sameDirection {
		if before == PositionFlat {
			pos.AveragePrice = price
		} else {
			totalOld := pos.AveragePrice * absf(oldQty)
			totalNew := price * absf(signedDelta)
			pos.AveragePrice = (totalOld + totalNew) / absf(newQty)
		}
		pos.Quantity = newQty
		pos.CurrentPrice = price
		pos.Leverage = leverage
		pos.LiquidationPrice = liquidationPrice(pos.Type(), pos.AveragePrice, leverage)
		pos.UpdatedAt = now
		if before == PositionFlat {
			pos.OpenedAt = now
			return []positionEvent{{Kind: eventPositionOpened, Quantity: newQty, Price: price}}, nil
		}
		return []positionEvent{{Kind: eventPositionUpdated, Quantity: newQty, Price: price}}, nil
	}

	// before is the opposite direction of openingSide: this fill first
	// closes the existing leg, then (if anything remains) opens the new one.
	realized := realizedPnL(before, pos.AveragePrice, price, oldQty)
	closeEvent := positionEvent{Kind: eventPositionClosed, Quantity: oldQty, Price: price, RealizedPnL: realized}

	if newQty == 0 {
		resetFlat(pos, now)
		return []positionEvent{closeEvent}, nil
	}

	pos.AveragePrice = price
	pos.Quantity = newQty
	pos.CurrentPrice = price
	pos.Leverage = leverage
	pos.OpenedAt = now
	pos.UpdatedAt = now
	pos.LiquidationPrice = liquidationPrice(pos.Type(), pos.AveragePrice, leverage)
	openEvent := positionEvent{Kind: eventPositionOpened, Quantity: newQty, Price: price}
	return []positionEvent{closeEvent, openEvent}, nil
}

// applyClosingFill handles SELL (from LONG) and COVER (from SHORT): it
// clamps at flat rather than flipping.
func applyClosingFill(pos *Position, quantity, price float64, now time.Time) []positionEvent {
	before := pos.Type()
	closedQty := minf(quantity, absf(pos.Quantity))
	realized := realizedPnL(before, pos.AveragePrice, price, closedQty)

	remaining := absf(pos.Quantity) - closedQty
	if remaining <= 0 {
		event := positionEvent{Kind: eventPositionClosed, Quantity: closedQty, Price: price, RealizedPnL: realized}
		resetFlat(pos, now)
		return []positionEvent{event}
	}

	// Partial close: average price is unchanged (classic partial-close
	// convention — only the realized leg's P&L is booked, the remaining
	// position keeps its original cost basis).
	if before == PositionLong {
		pos.Quantity = remaining
	} else {
		pos.Quantity = -remaining
	}
	pos.CurrentPrice = price
	pos.UpdatedAt = now
	pos.LiquidationPrice = liquidationPrice(pos.Type(), pos.AveragePrice, pos.Leverage)
	return []positionEvent{{Kind: eventPositionUpdated, Quantity: pos.Quantity, Price: price}}
}

func resetFlat(pos *Position, now time.Time) {
	pos.Quantity = 0
	pos.AveragePrice = 0
	pos.Leverage = 0
	pos.LiquidationPrice = 0
	pos.UpdatedAt = now
}

// realizedPnL computes the realized P&L for closedQty worth of a position
// that was `positionType` at entry avgPrice, closed at price.
func realizedPnL(positionType PositionType, avgPrice, price, closedQty float64) float64 {
	switch positionType {
	case PositionLong:
		return (price - avgPrice) * absf(closedQty)
	case PositionShort:
		return (avgPrice - price) * absf(closedQty)
	default:
		return 0
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
