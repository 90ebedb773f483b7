// Package events carries named events from the engine to external consumers
// over an explicit bounded channel. Delivery is at-most-once: if no consumer
// keeps up the event is dropped and logged, never blocking fund movement.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event names emitted by the engine.
const (
	WalletCreated        = "wallet_created"
	TransactionCreated   = "transaction_created"
	TransactionConfirmed = "transaction_confirmed"
	BalanceUpdated       = "balance_updated"
	InvoiceCreated       = "invoice_created"
	InvoiceSettled       = "invoice_settled"
	PaymentCompleted     = "payment_completed"
	ChannelOpened        = "channel_opened"
	ChannelsRebalanced   = "channels_rebalanced"
)

// Event is a named occurrence with a JSON payload.
type Event struct {
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Bus fans events out to subscribers. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		buffer: buffer,
		logger: slog.Default().With("component", "event_bus"),
	}
}

// Subscribe returns a channel receiving all subsequently published events.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish marshals payload and delivers the event to every subscriber that
// has buffer space. Marshal failures and dropped deliveries are logged.
func (b *Bus) Publish(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("event payload marshal failed", "event", name, "error", err)
		return
	}

	ev := Event{Name: name, Timestamp: time.Now().UTC(), Payload: raw}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber full, event dropped", "event", name)
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
