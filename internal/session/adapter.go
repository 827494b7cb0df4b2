package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PaperExecutor is a MarketAdapter that always succeeds: subscribing is
// bookkeeping only, with no upstream market-data connection. It stands in
// for a real exchange feed in paper/backtest deployments.
type PaperExecutor struct {
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewPaperExecutor constructs a PaperExecutor.
func NewPaperExecutor(logger *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		logger: logger.Named("paper-executor"),
		active: make(map[string]struct{}),
	}
}

// Subscribe marks symbol active. Idempotent.
func (p *PaperExecutor) Subscribe(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[symbol] = struct{}{}
	return nil
}

// Unsubscribe marks symbol inactive. Unsubscribing a symbol that was never
// subscribed is a no-op, not an error.
func (p *PaperExecutor) Unsubscribe(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, symbol)
	return nil
}

// ActiveSymbols reports the symbols currently marked subscribed.
func (p *PaperExecutor) ActiveSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for s := range p.active {
		out = append(out, s)
	}
	return out
}

// ExchangeExecutor documents the live-trading seam a real MarketAdapter
// would need beyond subscribe/unsubscribe: connecting to and disconnecting
// from an exchange and reporting whether the connection is up. It has no
// account-state or order-placement methods; orders go through the Order
// Manager's simulated fills. The only implementation in this repo is
// UnconfiguredExchangeExecutor, which returns an error from every method
// and reports itself disconnected.
type ExchangeExecutor interface {
	MarketAdapter

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

// errNotImplemented is returned by every ExchangeExecutor method on the
// unconfigured stub below, so wiring one in by mistake fails loudly instead
// of silently pretending to trade live.
var errNotImplemented = fmt.Errorf("session: live exchange execution is not implemented")

// UnconfiguredExchangeExecutor satisfies ExchangeExecutor so the seam type-
// checks; every method fails. It exists to be swapped out, never to run.
type UnconfiguredExchangeExecutor struct{}

func (UnconfiguredExchangeExecutor) Subscribe(string) error        { return errNotImplemented }
func (UnconfiguredExchangeExecutor) Unsubscribe(string) error      { return errNotImplemented }
func (UnconfiguredExchangeExecutor) Connect(context.Context) error { return errNotImplemented }
func (UnconfiguredExchangeExecutor) Disconnect() error             { return errNotImplemented }
func (UnconfiguredExchangeExecutor) IsConnected() bool             { return false }
