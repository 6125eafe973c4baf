package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
)

const (
	DefaultLedgerChannel = "ledger_events"
	ledgerAppendedEvent  = "ledger.appended"
	publishTimeout       = 2 * time.Second
)

// LedgerEvent is the payload published to Redis for every committed entry.
type LedgerEvent struct {
	EventType string             `json:"event_type"`
	Entry     domain.LedgerEntry `json:"entry"`
	Timestamp time.Time          `json:"timestamp"`
}

// RedisPublisher publishes committed ledger entries to a Redis channel.
// Publishing happens after commit and is best effort.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	l       *zap.Logger
}

// NewRedisPublisher connects to addr and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, password string, db int, channel string, l *zap.Logger) (*RedisPublisher, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if channel == "" {
		channel = DefaultLedgerChannel
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}

	return &RedisPublisher{rdb: rdb, channel: channel, l: l}, nil
}

// Publish sends entry to the channel. Failures are logged, never returned.
func (p *RedisPublisher) Publish(entry domain.LedgerEntry) {
	if err := p.publish(context.Background(), entry); err != nil {
		p.l.Warn("failed to publish ledger entry",
			zap.String("entry_id", entry.ID),
			zap.Uint64("seq", entry.Seq),
			zap.Error(err))
	}
}

func (p *RedisPublisher) publish(ctx context.Context, entry domain.LedgerEntry) error {
	payload, err := json.Marshal(LedgerEvent{
		EventType: ledgerAppendedEvent,
		Entry:     entry,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal ledger event")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return errors.Wrap(p.rdb.Publish(ctx, p.channel, payload).Err(), "publish ledger event")
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
