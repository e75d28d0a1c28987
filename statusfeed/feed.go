// Package statusfeed exposes node events over a websocket endpoint so
// external observers (dashboards, test harnesses) can watch mining, sync,
// and reorg activity without parsing logs.
package statusfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one published node event
type Event struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data,omitempty"`
}

// Feed broadcasts events to every connected websocket client.
// Implements the sync engine's EventSink.
type Feed struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	srv     *http.Server
}

// New creates a feed
func New(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log: log.With("component", "statusfeed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Publish sends an event to all connected clients; slow or dead clients are
// dropped, never block the publisher
func (f *Feed) Publish(event string, data any) {
	msg, err := json.Marshal(Event{
		Type: event,
		Time: time.Now().Unix(),
		Data: data,
	})
	if err != nil {
		f.log.Warn("event marshal failed", "event", event, "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for conn := range f.clients {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			f.log.Debug("dropping feed client", "error", err)
			conn.Close()
			delete(f.clients, conn)
		}
	}
}

// ServeHTTP upgrades a request to a websocket feed subscription
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()
	f.log.Info("feed client connected", "addr", conn.RemoteAddr().String())

	// Drain (and discard) client frames so pings are answered and closes
	// are noticed
	go func() {
		defer func() {
			conn.Close()
			f.mu.Lock()
			delete(f.clients, conn)
			f.mu.Unlock()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Start serves the feed at /ws on addr in the background
func (f *Feed) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/ws", f)

	srv := &http.Server{Addr: addr, Handler: mux}
	f.mu.Lock()
	f.srv = srv
	f.mu.Unlock()

	go func() {
		f.log.Info("status feed listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			f.log.Warn("status feed server stopped", "error", err)
		}
	}()
}

// Close shuts the server down and disconnects every client
func (f *Feed) Close() error {
	f.mu.Lock()
	srv := f.srv
	for conn := range f.clients {
		conn.Close()
		delete(f.clients, conn)
	}
	f.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}
