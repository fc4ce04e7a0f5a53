package execution

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// fakeBroker is an in-memory BrokerClient for tests. Zero value behaves like
// a healthy broker that accepts and instantly fills everything.
type fakeBroker struct {
	mu sync.Mutex

	placed    []domain.OrderRequest
	placeErr  error
	placeErrs []error // consumed per call when set, overrides placeErr
	nextID    func() string

	statuses   map[string]domain.OrderStatus
	statusErr  error
	replaced   map[string]float64
	replaceErr error
	cancelled  []string
	cancelErr  error

	quotes   map[string]domain.Quote
	quoteErr error

	account     domain.Account
	accountErr  error
	accountFn   func() (domain.Account, error)
	positions   []domain.Position
	positionErr error
	assets      map[string]domain.Asset
	assetErr    error

	updates      chan domain.OrderUpdate
	subscribeErr error

	stale    domain.CancelStaleResult
	staleErr error
}

var _ domain.BrokerClient = (*fakeBroker)(nil)

func (b *fakeBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		if err != nil {
			return "", err
		}
	} else if b.placeErr != nil {
		return "", b.placeErr
	}
	b.placed = append(b.placed, req)
	id := uuid.NewString()
	if b.nextID != nil {
		id = b.nextID()
	}
	if b.statuses == nil {
		b.statuses = make(map[string]domain.OrderStatus)
	}
	if _, ok := b.statuses[id]; !ok {
		price := req.LimitPrice
		if price <= 0 {
			price = 100
		}
		b.statuses[id] = domain.OrderStatus{
			OrderID:   id,
			Status:    domain.BrokerStatusFilled,
			FilledQty: req.Qty,
			AvgPrice:  price,
		}
	}
	return id, nil
}

func (b *fakeBroker) ReplaceOrder(_ context.Context, orderID string, limitPrice float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replaceErr != nil {
		return "", b.replaceErr
	}
	if b.replaced == nil {
		b.replaced = make(map[string]float64)
	}
	b.replaced[orderID] = limitPrice
	return uuid.NewString(), nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancelled = append(b.cancelled, orderID)
	return nil
}

func (b *fakeBroker) GetOrderStatus(_ context.Context, orderID string) (domain.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return domain.OrderStatus{}, b.statusErr
	}
	st, ok := b.statuses[orderID]
	if !ok {
		return domain.OrderStatus{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return st, nil
}

func (b *fakeBroker) setStatus(st domain.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statuses == nil {
		b.statuses = make(map[string]domain.OrderStatus)
	}
	b.statuses[st.OrderID] = st
}

func (b *fakeBroker) WaitForCompletion(context.Context, []string, time.Duration) error {
	return nil
}

func (b *fakeBroker) SubscribeOrderEvents(ctx context.Context, _ []string) (<-chan domain.OrderUpdate, error) {
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	if b.updates == nil {
		b.updates = make(chan domain.OrderUpdate)
	}
	out := make(chan domain.OrderUpdate)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-b.updates:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *fakeBroker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quoteErr != nil {
		return domain.Quote{}, b.quoteErr
	}
	q, ok := b.quotes[symbol]
	if !ok {
		return domain.Quote{Symbol: symbol, Bid: 99.9, Ask: 100.1, At: time.Now()}, nil
	}
	return q, nil
}

func (b *fakeBroker) GetAccount(context.Context) (domain.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountFn != nil {
		return b.accountFn()
	}
	if b.accountErr != nil {
		return domain.Account{}, b.accountErr
	}
	if b.account == (domain.Account{}) {
		return domain.Account{BuyingPower: 1_000_000, PortfolioValue: 2_000_000}, nil
	}
	return b.account, nil
}

func (b *fakeBroker) GetPositions(context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.positionErr != nil {
		return nil, b.positionErr
	}
	return b.positions, nil
}

func (b *fakeBroker) GetAsset(_ context.Context, symbol string) (domain.Asset, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.assetErr != nil {
		return domain.Asset{}, b.assetErr
	}
	a, ok := b.assets[symbol]
	if !ok {
		return domain.Asset{Symbol: symbol, Fractionable: true}, nil
	}
	return a, nil
}

func (b *fakeBroker) CancelStaleOrders(context.Context, time.Duration) (domain.CancelStaleResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale, b.staleErr
}

func (b *fakeBroker) placedOrders() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderRequest(nil), b.placed...)
}

// fakeAlerts records alerts for assertions.
type fakeAlerts struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerts) Alert(_ context.Context, severity, title, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, fmt.Sprintf("%s: %s: %s", severity, title, body))
	return nil
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
