// Package events fans committed ledger entries out to in-process subscribers and Redis.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/vadiminshakov/orangewallet/internal/domain"
)

// LedgerBroadcaster fans out committed entries to subscribers via buffered channels.
// Each subscriber watches one wallet.
type LedgerBroadcaster struct {
	mu      sync.RWMutex
	subs    map[chan domain.LedgerEntry]string
	buffer  int
	dropped atomic.Uint64
}

// NewLedgerBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewLedgerBroadcaster(buffer int) *LedgerBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &LedgerBroadcaster{
		subs:   make(map[chan domain.LedgerEntry]string),
		buffer: buffer,
	}
}

// Publish sends the entry to every subscriber of a wallet it touches, dropping if a reader is slow.
func (b *LedgerBroadcaster) Publish(entry domain.LedgerEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, walletID := range b.subs {
		if !entry.Touches(walletID) {
			continue
		}
		select {
		case ch <- entry:
		default:
			// slow consumer; it resumes from its last seq on reconnect
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives entries touching walletID until Unsubscribe is called.
func (b *LedgerBroadcaster) Subscribe(walletID string) chan domain.LedgerEntry {
	ch := make(chan domain.LedgerEntry, b.buffer)
	b.mu.Lock()
	b.subs[ch] = walletID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *LedgerBroadcaster) Unsubscribe(ch chan domain.LedgerEntry) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (b *LedgerBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *LedgerBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
