package execution

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// OrderState is the execution engine's view of where an order sits in its
// lifecycle. It is distinct from the raw broker status strings.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StateSubmitted       OrderState = "SUBMITTED"
	StateAcknowledged    OrderState = "ACKNOWLEDGED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StatePendingReplace  OrderState = "PENDING_REPLACE"
	StateReplaced        OrderState = "REPLACED"
	StateCancelled       OrderState = "CANCELLED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
	StateError           OrderState = "ERROR"
	StateTimeout         OrderState = "TIMEOUT"
)

// Terminal reports whether no further transitions are accepted from s.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired, StateError, StateTimeout:
		return true
	default:
		return false
	}
}

// Active reports whether the order is live at the broker and may still fill.
func (s OrderState) Active() bool {
	switch s {
	case StateSubmitted, StateAcknowledged, StatePartiallyFilled, StatePendingReplace:
		return true
	default:
		return false
	}
}

// validTransitions enumerates every legal state transition.
var validTransitions = map[OrderState]map[OrderState]bool{
	StateNew:             toSet(StateSubmitted, StateError),
	StateSubmitted:       toSet(StateAcknowledged, StateRejected, StateError, StateTimeout),
	StateAcknowledged:    toSet(StatePartiallyFilled, StateFilled, StateCancelled, StatePendingReplace, StateError, StateTimeout),
	StatePartiallyFilled: toSet(StateFilled, StateCancelled, StatePendingReplace, StateError, StateTimeout),
	StatePendingReplace:  toSet(StateReplaced, StateAcknowledged, StateRejected, StateError, StateTimeout),
	StateReplaced:        toSet(StateAcknowledged, StateRejected, StateError),
}

func toSet(states ...OrderState) map[OrderState]bool {
	set := make(map[OrderState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}

// ErrInvalidTransition is returned when a requested transition is not in the
// table. The manager force-transitions the order to ERROR when this happens.
var ErrInvalidTransition = errors.New("invalid state transition")

// EventKind discriminates lifecycle events.
type EventKind string

const (
	EventStateChange EventKind = "state_change"
	EventPartialFill EventKind = "partial_fill"
	EventError       EventKind = "error"
)

// LifecycleEvent is an immutable record of one lifecycle transition.
type LifecycleEvent struct {
	Kind         EventKind      `json:"kind"`
	OrderID      string         `json:"order_id"`
	Symbol       string         `json:"symbol"`
	From         OrderState     `json:"from"`
	To           OrderState     `json:"to"`
	At           time.Time      `json:"at"`
	Detail       map[string]any `json:"detail,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// OrderLifecycle tracks one submitted order from submission to a terminal
// state. It is mutated exclusively by the owning LifecycleManager.
type OrderLifecycle struct {
	OrderID      string
	Symbol       string
	Side         domain.OrderSide
	RequestedQty float64
	Kind         domain.OrderKind
	LimitPrice   float64
	State        OrderState
	FilledQty    float64
	AvgFillPrice float64
	Events       []LifecycleEvent
	Attempts     int
	RepegCount   int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	mu sync.Mutex
}

// EventHandler receives lifecycle events from the manager's dispatcher.
type EventHandler func(LifecycleEvent)

// LifecycleManager owns the per-order lifecycle map and the event dispatcher.
// State transitions for a single order are serialized through the order's own
// lock; different orders transition concurrently.
type LifecycleManager struct {
	mu     sync.RWMutex
	orders map[string]*OrderLifecycle

	handlerMu sync.RWMutex
	global    []EventHandler
	byKind    map[EventKind][]EventHandler

	logger *slog.Logger
}

// NewLifecycleManager creates an empty manager.
func NewLifecycleManager(logger *slog.Logger) *LifecycleManager {
	return &LifecycleManager{
		orders: make(map[string]*OrderLifecycle),
		byKind: make(map[EventKind][]EventHandler),
		logger: logger.With(slog.String("component", "lifecycle")),
	}
}

// SubscribeAll registers a handler for every lifecycle event.
func (m *LifecycleManager) SubscribeAll(h EventHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.global = append(m.global, h)
}

// Subscribe registers a handler for a single event kind.
func (m *LifecycleManager) Subscribe(kind EventKind, h EventHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.byKind[kind] = append(m.byKind[kind], h)
}

// Track registers a newly submitted order in state NEW.
func (m *LifecycleManager) Track(orderID, symbol string, side domain.OrderSide, qty float64, kind domain.OrderKind, limitPrice float64) *OrderLifecycle {
	now := time.Now().UTC()
	lc := &OrderLifecycle{
		OrderID:      orderID,
		Symbol:       symbol,
		Side:         side,
		RequestedQty: qty,
		Kind:         kind,
		LimitPrice:   limitPrice,
		State:        StateNew,
		Attempts:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.orders[orderID] = lc
	m.mu.Unlock()

	return lc
}

// Get returns a snapshot of the order's lifecycle.
func (m *LifecycleManager) Get(orderID string) (OrderLifecycle, bool) {
	m.mu.RLock()
	lc, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		return OrderLifecycle{}, false
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	snap := OrderLifecycle{
		OrderID:      lc.OrderID,
		Symbol:       lc.Symbol,
		Side:         lc.Side,
		RequestedQty: lc.RequestedQty,
		Kind:         lc.Kind,
		LimitPrice:   lc.LimitPrice,
		State:        lc.State,
		FilledQty:    lc.FilledQty,
		AvgFillPrice: lc.AvgFillPrice,
		Events:       append([]LifecycleEvent(nil), lc.Events...),
		Attempts:     lc.Attempts,
		RepegCount:   lc.RepegCount,
		LastError:    lc.LastError,
		CreatedAt:    lc.CreatedAt,
		UpdatedAt:    lc.UpdatedAt,
	}
	return snap, true
}

// Active returns the ids of all orders whose state is still active.
func (m *LifecycleManager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, lc := range m.orders {
		lc.mu.Lock()
		active := lc.State.Active() || lc.State == StateNew
		lc.mu.Unlock()
		if active {
			ids = append(ids, id)
		}
	}
	return ids
}

// Transition moves an order to a new state. Transitions from a terminal
// state are ignored with a logged warning so duplicate broker events are
// tolerated. An invalid transition forces the order to ERROR and returns
// ErrInvalidTransition.
func (m *LifecycleManager) Transition(orderID string, to OrderState, detail map[string]any) error {
	m.mu.RLock()
	lc, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lifecycle: transition %s: %w", orderID, domain.ErrNotFound)
	}

	lc.mu.Lock()
	from := lc.State

	if from.Terminal() {
		lc.mu.Unlock()
		m.logger.Warn("transition from terminal state ignored",
			slog.String("order_id", orderID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return nil
	}

	if !validTransitions[from][to] {
		origErr := fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, from, to)
		lc.State = StateError
		lc.LastError = origErr
		lc.UpdatedAt = time.Now().UTC()
		evt := LifecycleEvent{
			Kind:         EventError,
			OrderID:      orderID,
			Symbol:       lc.Symbol,
			From:         from,
			To:           StateError,
			At:           lc.UpdatedAt,
			ErrorMessage: origErr,
		}
		lc.Events = append(lc.Events, evt)
		lc.mu.Unlock()

		m.dispatch(evt)
		return fmt.Errorf("lifecycle: order %s: %w: %s -> %s", orderID, ErrInvalidTransition, from, to)
	}

	lc.State = to
	lc.UpdatedAt = time.Now().UTC()
	kind := EventStateChange
	errMsg := ""
	if to == StateError {
		kind = EventError
		// Error events always carry a message, even when the caller's detail
		// map does not supply one.
		errMsg = fmt.Sprintf("entered %s from %s", StateError, from)
		if msg, ok := detail["error"].(string); ok && msg != "" {
			errMsg = msg
		}
		lc.LastError = errMsg
	}
	evt := LifecycleEvent{
		Kind:         kind,
		OrderID:      orderID,
		Symbol:       lc.Symbol,
		From:         from,
		To:           to,
		At:           lc.UpdatedAt,
		Detail:       detail,
		ErrorMessage: errMsg,
	}
	lc.Events = append(lc.Events, evt)
	lc.mu.Unlock()

	m.dispatch(evt)
	return nil
}

// RecordRepeg increments the order's repeg counter and updates its resting
// limit price.
func (m *LifecycleManager) RecordRepeg(orderID string, newPrice float64) {
	m.mu.RLock()
	lc, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	lc.mu.Lock()
	lc.RepegCount++
	lc.LimitPrice = newPrice
	lc.UpdatedAt = time.Now().UTC()
	lc.mu.Unlock()
}

// RecordPartialFill applies a fill of qty shares at price. It rejects
// non-positive quantities and fills that would exceed the requested
// quantity, maintains the size-weighted average fill price, and transitions
// the order to FILLED when the cumulative quantity reaches the request, or
// to PARTIALLY_FILLED otherwise. The implied transition is checked against
// the same table as explicit transitions.
func (m *LifecycleManager) RecordPartialFill(orderID string, qty, price float64) error {
	m.mu.RLock()
	lc, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lifecycle: partial fill %s: %w", orderID, domain.ErrNotFound)
	}

	lc.mu.Lock()
	if qty <= 0 {
		lc.mu.Unlock()
		return fmt.Errorf("lifecycle: order %s: fill quantity must be positive, got %v", orderID, qty)
	}
	if lc.FilledQty+qty > lc.RequestedQty {
		lc.mu.Unlock()
		return fmt.Errorf("lifecycle: order %s: fill %v would exceed requested %v (already filled %v)",
			orderID, qty, lc.RequestedQty, lc.FilledQty)
	}
	if lc.State.Terminal() {
		lc.mu.Unlock()
		m.logger.Warn("fill on terminal order ignored",
			slog.String("order_id", orderID),
			slog.String("state", string(lc.State)),
		)
		return nil
	}

	from := lc.State
	to := StatePartiallyFilled
	if lc.FilledQty+qty >= lc.RequestedQty {
		to = StateFilled
	}
	// Fills imply a state transition, which must follow the same table as
	// explicit transitions. Staying in PARTIALLY_FILLED is not a transition.
	if from != to && !validTransitions[from][to] {
		lc.mu.Unlock()
		return fmt.Errorf("lifecycle: order %s: %w: %s -> %s", orderID, ErrInvalidTransition, from, to)
	}

	prevFilled := lc.FilledQty
	lc.AvgFillPrice = (lc.AvgFillPrice*prevFilled + price*qty) / (prevFilled + qty)
	lc.FilledQty = prevFilled + qty
	lc.State = to
	lc.UpdatedAt = time.Now().UTC()
	evt := LifecycleEvent{
		Kind:    EventPartialFill,
		OrderID: orderID,
		Symbol:  lc.Symbol,
		From:    from,
		To:      to,
		At:      lc.UpdatedAt,
		Detail: map[string]any{
			"fill_qty":   qty,
			"fill_price": price,
			"filled_qty": lc.FilledQty,
			"avg_price":  lc.AvgFillPrice,
		},
	}
	lc.Events = append(lc.Events, evt)
	lc.mu.Unlock()

	m.dispatch(evt)
	return nil
}

// Cleanup evicts terminal orders last updated more than maxAge ago and
// returns the number removed. It bounds the lifecycle map's memory over long
// runs.
func (m *LifecycleManager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, lc := range m.orders {
		lc.mu.Lock()
		evict := lc.State.Terminal() && lc.UpdatedAt.Before(cutoff)
		lc.mu.Unlock()
		if evict {
			delete(m.orders, id)
			removed++
		}
	}
	return removed
}

// dispatch fans an event out to global subscribers and then kind-specific
// subscribers. A panicking or failing handler is logged and never affects
// the caller or the remaining handlers.
func (m *LifecycleManager) dispatch(evt LifecycleEvent) {
	m.handlerMu.RLock()
	handlers := append([]EventHandler(nil), m.global...)
	handlers = append(handlers, m.byKind[evt.Kind]...)
	m.handlerMu.RUnlock()

	for _, h := range handlers {
		m.safeDispatch(h, evt)
	}
}

func (m *LifecycleManager) safeDispatch(h EventHandler, evt LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle event handler panicked",
				slog.String("order_id", evt.OrderID),
				slog.String("kind", string(evt.Kind)),
				slog.Any("panic", r),
			)
		}
	}()
	h(evt)
}
