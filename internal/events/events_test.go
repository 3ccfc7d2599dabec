package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/scratchwin/scratch-engine/internal/events"
)

type capture struct {
	got []events.Event
	err error
}

func (c *capture) Publish(_ context.Context, ev events.Event) error {
	c.got = append(c.got, ev)
	return c.err
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "scratch_events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := events.NewRedisPublisher(rdb, "scratch_events")
	require.NoError(t, pub.Publish(ctx, events.Event{
		Type:      events.TypeRoundWon,
		AccountID: "player-1",
		RoundID:   "round-1",
		Amount:    decimal.NewFromInt(1000),
	}))

	select {
	case msg := <-sub.Channel():
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		require.Equal(t, events.TypeRoundWon, ev.Type)
		require.Equal(t, "round-1", ev.RoundID)
		require.True(t, ev.Amount.Equal(decimal.NewFromInt(1000)))
	case <-time.After(2 * time.Second):
		t.Fatal("no message on channel")
	}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &capture{}, &capture{err: boom}

	err := events.Multi{a, nil, b}.Publish(context.Background(), events.Event{Type: events.TypeCommissionCredited})
	require.ErrorIs(t, err, boom)
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
}

func TestEmit(t *testing.T) {
	events.Emit(context.Background(), nil, events.Event{Type: events.TypeRoundWon})

	c := &capture{err: errors.New("down")}
	events.Emit(context.Background(), c, events.Event{Type: events.TypeRoundWon})
	require.Len(t, c.got, 1)
	require.False(t, c.got[0].At.IsZero(), "Emit stamps the event")
}
