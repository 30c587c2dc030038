// Package monitor serves a development view of a running session: a
// websocket streaming runtime output and bridge traffic, and a JSON
// snapshot of the live objects.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zot/ui-native/internal/bridge"
	"github.com/zot/ui-native/internal/logging"
	"github.com/zot/ui-native/internal/protocol"
	"github.com/zot/ui-native/internal/registry"
)

// sendBuffer is how many frames a slow client may fall behind before
// frames are dropped for it.
const sendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev tool, bound to localhost by default
	},
}

// Source is the session being monitored.
type Source interface {
	Output() *logging.Tee
	Subscribe(fn func(bridge.Traffic)) (cancel func())
	Objects() ([]registry.ObjectInfo, error)
}

// Frame is one websocket message.
type Frame struct {
	Kind      string             `json:"kind"` // log or traffic
	Time      time.Time          `json:"time"`
	Line      string             `json:"line,omitempty"`
	Session   string             `json:"session,omitempty"`
	Direction bridge.Direction   `json:"direction,omitempty"`
	Commands  []protocol.Message `json:"commands,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Frame
}

// Monitor fans frames out to websocket clients.
type Monitor struct {
	source  Source
	clients map[string]*client
	cancel  []func()
	mu      sync.RWMutex
}

// New subscribes to source. Close releases the subscriptions.
func New(source Source) *Monitor {
	m := &Monitor{source: source, clients: make(map[string]*client)}
	m.cancel = append(m.cancel,
		source.Output().Subscribe(func(line string) {
			m.broadcast(Frame{Kind: "log", Time: time.Now(), Line: line})
		}),
		source.Subscribe(func(t bridge.Traffic) {
			m.broadcast(Frame{
				Kind:      "traffic",
				Time:      time.Now(),
				Session:   t.Session,
				Direction: t.Direction,
				Commands:  protocol.NewMessages(t.Commands),
			})
		}),
	)
	return m
}

// Handler routes /ws and /objects.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handleWebSocket)
	mux.HandleFunc("/objects", m.handleObjects)
	return mux
}

// Serve listens on addr until ctx ends.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logging.Logger().Info("monitor listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected websocket clients.
func (m *Monitor) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Monitor) handleObjects(w http.ResponseWriter, r *http.Request) {
	objects, err := m.source.Objects()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(objects)
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan Frame, sendBuffer)}

	m.mu.Lock()
	m.clients[c.id] = c
	m.mu.Unlock()
	logging.Log(1, "Monitor client connected: %s", c.id)

	go m.writePump(c)
	go m.readPump(c)
}

// readPump discards client messages and unregisters the client when the
// connection ends.
func (m *Monitor) readPump(c *client) {
	defer m.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Log(1, "Monitor client %s: %v", c.id, err)
			}
			return
		}
	}
}

func (m *Monitor) writePump(c *client) {
	defer c.conn.Close()
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			logging.Log(1, "Monitor write to %s failed: %v", c.id, err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (m *Monitor) remove(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.id]; ok {
		delete(m.clients, c.id)
		close(c.send)
		logging.Log(1, "Monitor client disconnected: %s", c.id)
	}
}

func (m *Monitor) broadcast(f Frame) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		select {
		case c.send <- f:
		default:
			logging.Log(2, "Monitor client %s is behind, dropping frame", c.id)
		}
	}
}

// Close drops all clients and unsubscribes from the source.
func (m *Monitor) Close() {
	for _, cancel := range m.cancel {
		cancel()
	}
	m.cancel = nil
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		delete(m.clients, id)
		close(c.send)
	}
}
