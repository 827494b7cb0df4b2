package strategy

import "sort"

// defaultInitialCapital is the hard fallback used when no Risk Manager is
// wired and no capital source is otherwise available.
const defaultInitialCapital = 10000.0

// interpolate performs piecewise-linear interpolation over points ordered by
// RiskValue, clamping at both endpoints. An empty table returns 1.0, the
// neutral multiplier; AdjustedClosePrice handles an empty adjustment table
// itself and never calls this with one.
func interpolate(points []RiskPoint, x float64) float64 {
	if len(points) == 0 {
		return 1.0
	}

	sorted := make([]RiskPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RiskValue < sorted[j].RiskValue })

	if x <= sorted[0].RiskValue {
		return sorted[0].Multiplier
	}
	last := sorted[len(sorted)-1]
	if x >= last.RiskValue {
		return last.Multiplier
	}

	for i := 0; i < len(sorted)-1; i++ {
		a, b := sorted[i], sorted[i+1]
		if x >= a.RiskValue && x <= b.RiskValue {
			if b.RiskValue == a.RiskValue {
				return a.Multiplier
			}
			frac := (x - a.RiskValue) / (b.RiskValue - a.RiskValue)
			return a.Multiplier + frac*(b.Multiplier-a.Multiplier)
		}
	}
	return last.Multiplier
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CapitalSource supplies the available trading capital used for position
// sizing. The Risk Manager collaborator implements it when wired; otherwise
// the engine falls back to a fixed default.
type CapitalSource interface {
	AvailableCapital() float64
}

// PositionSize computes quantity = (available_capital * position_size_pct) /
// current_price, where position_size_pct is the strategy's base percentage
// scaled by a risk multiplier interpolated from RiskAdjustmentPoints and
// clamped to [MinPositionPct, MaxPositionPct].
func (s *Strategy) PositionSize(currentPrice, riskIndicator float64, capital CapitalSource) float64 {
	available := defaultInitialCapital
	if capital != nil {
		available = capital.AvailableCapital()
	}

	multiplier := interpolate(s.Limits.RiskAdjustmentPoints, riskIndicator)
	pct := clamp(s.Limits.BasePositionPct*multiplier, s.Limits.MinPositionPct, s.Limits.MaxPositionPct)

	if currentPrice <= 0 {
		return 0
	}
	return (available * pct) / currentPrice
}

// AdjustedClosePrice implements the ZE1-only adjustment:
// adjusted = base * (1 + adjustment_pct/100), where adjustment_pct is
// interpolated over ClosePriceAdjustmentPoints by riskIndicator.
func (s *Strategy) AdjustedClosePrice(basePrice, riskIndicator float64) float64 {
	if len(s.Limits.ClosePriceAdjustmentPoints) == 0 {
		return basePrice
	}
	adjustmentPct := interpolate(s.Limits.ClosePriceAdjustmentPoints, riskIndicator)
	return basePrice * (1 + adjustmentPct/100)
}
