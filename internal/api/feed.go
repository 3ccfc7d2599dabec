package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scratchwin/scratch-engine/internal/events"
	"github.com/scratchwin/scratch-engine/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WinnerMessage is a JSON message sent to feed clients.
type WinnerMessage struct {
	Type    string    `json:"type"`
	Player  string    `json:"player"` // masked account id
	GameID  string    `json:"game_id"`
	RoundID string    `json:"round_id"`
	Label   string    `json:"label,omitempty"`
	Prize   string    `json:"prize"`
	At      time.Time `json:"at"`
}

// Feed is the public winners feed. It implements events.Publisher and
// forwards round.won events to every connected WebSocket client; other
// event types are private and ignored.
type Feed struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopped    chan struct{}
	mu         sync.Mutex
}

// NewFeed creates a winners feed. Run must be started before clients
// connect.
func NewFeed() *Feed {
	return &Feed{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
	}
}

// Run is the feed's event loop. It closes every client when ctx ends.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(f.stopped)
			f.mu.Lock()
			for conn := range f.clients {
				conn.Close()
				delete(f.clients, conn)
			}
			f.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-f.register:
			f.mu.Lock()
			f.clients[conn] = true
			n := len(f.clients)
			f.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("feed client connected", "total", n)

		case conn := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[conn]; ok {
				delete(f.clients, conn)
				conn.Close()
			}
			n := len(f.clients)
			f.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-f.broadcast:
			f.mu.Lock()
			for conn := range f.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(f.clients, conn)
				}
			}
			n := len(f.clients)
			f.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Publish queues a round.won event for broadcast. It never blocks the
// round that produced it: when the buffer is full the message is dropped.
func (f *Feed) Publish(_ context.Context, ev events.Event) error {
	if ev.Type != events.TypeRoundWon {
		return nil
	}
	data, err := json.Marshal(WinnerMessage{
		Type:    string(ev.Type),
		Player:  MaskAccount(ev.AccountID),
		GameID:  ev.GameID,
		RoundID: ev.RoundID,
		Label:   ev.Label,
		Prize:   ev.Amount.StringFixed(2),
		At:      ev.At,
	})
	if err != nil {
		return err
	}
	select {
	case f.broadcast <- data:
	default:
		slog.Warn("feed buffer full, dropping winner", "round", ev.RoundID)
	}
	return nil
}

// MaskAccount hides all but the first three characters of an account id.
func MaskAccount(id string) string {
	r := []rune(id)
	if len(r) <= 3 {
		return "***"
	}
	return string(r[:3]) + "***"
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // the feed is public
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (f *Feed) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case f.register <- conn:
	case <-f.stopped:
		conn.Close()
		return
	}
	done := make(chan struct{})

	// Read pump: clients never send, but reading processes pongs and
	// detects disconnects.
	go func() {
		defer func() {
			close(done)
			select {
			case f.unregister <- conn:
			case <-f.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// WriteControl may run concurrently with the broadcast writes.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}
