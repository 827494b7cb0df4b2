package telemetry_test

import (
	"fmt"
	"testing"

	"github.com/atlas-desktop/pumpcore/internal/telemetry"
)

func TestSeriesEvictsOldestPastCapacity(t *testing.T) {
	st := telemetry.New()

	for i := 0; i < telemetry.MaxSeries+10; i++ {
		st.Record(fmt.Sprintf("series-%d", i), float64(i), nil)
	}

	counts := st.Counts()
	if counts.Series != telemetry.MaxSeries {
		t.Fatalf("expected series count capped at %d, got %d", telemetry.MaxSeries, counts.Series)
	}

	// The oldest series ("series-0") must have been evicted first (FIFO).
	if st.SeriesLen("series-0", nil) != 0 {
		t.Fatal("expected oldest series to be evicted, but it is still present")
	}
	if st.SeriesLen(fmt.Sprintf("series-%d", telemetry.MaxSeries+9), nil) != 1 {
		t.Fatal("expected most recently recorded series to survive eviction")
	}
}

func TestSeriesValuesBoundedAtRingCapacity(t *testing.T) {
	st := telemetry.New()

	for i := 0; i < 1500; i++ {
		st.Record("strategy.execution_time", float64(i), nil)
	}

	if got := st.SeriesLen("strategy.execution_time", nil); got != 1000 {
		t.Fatalf("expected series length bounded at 1000 samples, got %d", got)
	}
}

func TestCountersEvictOldestPastCapacity(t *testing.T) {
	st := telemetry.New()

	for i := 0; i < telemetry.MaxCounters+5; i++ {
		st.IncrementCounter(fmt.Sprintf("counter-%d", i), 1, nil)
	}

	if got := st.Counts().Counters; got != telemetry.MaxCounters {
		t.Fatalf("expected counters capped at %d, got %d", telemetry.MaxCounters, got)
	}
	if _, ok := st.Counter("counter-0", nil); ok {
		t.Fatal("expected oldest counter to be evicted")
	}
}

func TestGaugesEvictOldestPastCapacity(t *testing.T) {
	st := telemetry.New()

	for i := 0; i < telemetry.MaxGauges+5; i++ {
		st.SetGauge(fmt.Sprintf("gauge-%d", i), float64(i), nil)
	}

	if got := st.Counts().Gauges; got != telemetry.MaxGauges {
		t.Fatalf("expected gauges capped at %d, got %d", telemetry.MaxGauges, got)
	}
	if _, ok := st.Gauge("gauge-0", nil); ok {
		t.Fatal("expected oldest gauge to be evicted")
	}
}

func TestHistogramsEvictOldestAndBoundValuesPerKey(t *testing.T) {
	st := telemetry.New()

	for i := 0; i < telemetry.MaxHistograms+5; i++ {
		st.RecordHistogram(fmt.Sprintf("hist-%d", i), float64(i), nil)
	}
	if got := st.Counts().Histograms; got != telemetry.MaxHistograms {
		t.Fatalf("expected histograms capped at %d, got %d", telemetry.MaxHistograms, got)
	}
	if st.HistogramLen("hist-0", nil) != 0 {
		t.Fatal("expected oldest histogram to be evicted")
	}

	for i := 0; i < telemetry.MaxHistogramValues+50; i++ {
		st.RecordHistogram("latency", float64(i), nil)
	}
	if got := st.HistogramLen("latency", nil); got != telemetry.MaxHistogramValues {
		t.Fatalf("expected histogram values bounded at %d, got %d", telemetry.MaxHistogramValues, got)
	}
}

func TestGaugeOverwritesRatherThanAccumulates(t *testing.T) {
	st := telemetry.New()

	st.SetGauge("business.active_strategies", 3, nil)
	st.SetGauge("business.active_strategies", 5, nil)

	got, ok := st.Gauge("business.active_strategies", nil)
	if !ok || got != 5 {
		t.Fatalf("expected gauge to hold latest value 5, got %v (ok=%v)", got, ok)
	}
}

func TestCounterAccumulatesAcrossCalls(t *testing.T) {
	st := telemetry.New()

	for i := 0; i < 7; i++ {
		st.IncrementCounter("business.total_trades", 1, map[string]string{"strategy": "pump_trader"})
	}

	got, ok := st.Counter("business.total_trades", map[string]string{"strategy": "pump_trader"})
	if !ok || got != 7 {
		t.Fatalf("expected counter at 7, got %v (ok=%v)", got, ok)
	}
}

func TestTagsDistinguishOtherwiseIdenticallyNamedMetrics(t *testing.T) {
	st := telemetry.New()

	st.SetGauge("risk.exposure", 10, map[string]string{"symbol": "BTCUSDT"})
	st.SetGauge("risk.exposure", 20, map[string]string{"symbol": "ETHUSDT"})

	btc, _ := st.Gauge("risk.exposure", map[string]string{"symbol": "BTCUSDT"})
	eth, _ := st.Gauge("risk.exposure", map[string]string{"symbol": "ETHUSDT"})
	if btc != 10 || eth != 20 {
		t.Fatalf("expected tag-scoped gauges to stay independent, got btc=%v eth=%v", btc, eth)
	}
}
