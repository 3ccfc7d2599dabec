// Package events carries domain notifications (winning rounds, commission
// credits and reversals) out of the engines. Publishing happens after the
// ledger effect is committed and never fails the operation that caused it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Type names an event.
type Type string

const (
	TypeRoundWon            Type = "round.won"
	TypeCommissionCredited  Type = "commission.credited"
	TypeCommissionReversed  Type = "commission.reversed"
	TypeReversalNeedsReview Type = "commission.operator_review"
)

// Event is the JSON payload published to subscribers.
type Event struct {
	Type            Type            `json:"type"`
	AccountID       string          `json:"account_id"`
	GameID          string          `json:"game_id,omitempty"`
	RoundID         string          `json:"round_id,omitempty"`
	DepositEventID  string          `json:"deposit_event_id,omitempty"`
	BeneficiaryType string          `json:"beneficiary_type,omitempty"`
	Label           string          `json:"label,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	At              time.Time       `json:"at"`
}

// Publisher delivers events to some audience.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes ev if p is non-nil and logs instead of returning failures.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", "type", ev.Type, "account", ev.AccountID, "err", err)
	}
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, data).Err()
}
