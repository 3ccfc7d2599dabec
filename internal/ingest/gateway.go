// Package ingest is the event ingestion gateway. It turns provider payment
// notifications, delivered over HTTP webhooks or a Kafka topic, into
// normalized DepositEvents and hands them to the settlement engine.
// Notifications reaching this package are already authenticated.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/commission"
	"github.com/scratchwin/scratch-engine/internal/metrics"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

var ErrInvalidNotification = errors.New("ingest: invalid notification")

// Notification is a provider deposit notification after transport decoding.
type Notification struct {
	Provider      string          `json:"provider"`
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Settler consumes normalized deposit events.
type Settler interface {
	Settle(ctx context.Context, ev model.DepositEvent) (*model.Settlement, error)
}

// Gateway normalizes notifications and forwards them to a Settler.
type Gateway struct {
	settler Settler
	now     func() time.Time
}

// NewGateway creates a gateway in front of s.
func NewGateway(s Settler) *Gateway {
	return &Gateway{settler: s, now: func() time.Time { return time.Now().UTC() }}
}

// Normalize validates n and maps it to a DepositEvent.
func (g *Gateway) Normalize(n Notification) (model.DepositEvent, error) {
	if strings.TrimSpace(n.TransactionID) == "" {
		return model.DepositEvent{}, fmt.Errorf("%w: transaction_id is required", ErrInvalidNotification)
	}
	if strings.TrimSpace(n.AccountID) == "" {
		return model.DepositEvent{}, fmt.Errorf("%w: account_id is required", ErrInvalidNotification)
	}
	if !n.Amount.IsPositive() {
		return model.DepositEvent{}, fmt.Errorf("%w: amount must be positive", ErrInvalidNotification)
	}
	status, err := NormalizeStatus(n.Provider, n.Status)
	if err != nil {
		return model.DepositEvent{}, err
	}

	occurred := n.OccurredAt
	if occurred.IsZero() {
		occurred = g.now()
	}
	return model.DepositEvent{
		ID:         strings.TrimSpace(n.TransactionID),
		AccountID:  strings.TrimSpace(n.AccountID),
		Amount:     n.Amount.Round(2),
		Status:     status,
		OccurredAt: occurred.UTC(),
	}, nil
}

// HandleDeposit normalizes and settles one notification. source labels the
// transport for metrics ("webhook", "kafka").
func (g *Gateway) HandleDeposit(ctx context.Context, n Notification, source string) (*model.Settlement, error) {
	ev, err := g.Normalize(n)
	if err != nil {
		metrics.DepositEvents.WithLabelValues(source, "rejected").Inc()
		return nil, err
	}
	metrics.DepositEvents.WithLabelValues(source, string(ev.Status)).Inc()

	slog.Info("deposit notification",
		"source", source,
		"provider", n.Provider,
		"deposit", ev.ID,
		"account", ev.AccountID,
		"status", ev.Status,
		"provider_status", n.Status,
	)
	return g.settler.Settle(ctx, ev)
}

// Permanent reports whether err will fail the same way on every retry,
// so the notification should be dropped rather than redelivered.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidNotification) ||
		errors.Is(err, ErrUnknownStatus) ||
		errors.Is(err, commission.ErrInvalidDeposit) ||
		errors.Is(err, commission.ErrAccountNotFound) ||
		errors.Is(err, store.ErrInvalidTransition) ||
		errors.Is(err, store.ErrConflict)
}
