// Package gateway bridges the in-process progress bus to long-lived
// websocket subscribers, one subscription path per job id.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/imgforge/imgforge/internal/progress"
)

// Gateway relays bus events to websocket subscribers and reports
// connect/disconnect back so progress work only runs while someone is
// watching. Per-job state is created on first subscriber and torn down on
// last disconnect.
type Gateway struct {
	bus      *progress.Bus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	feeds map[string]*feed

	onConnect    []func(jobID string)
	onDisconnect []func(jobID string)
}

// New creates a Gateway over bus.
func New(bus *progress.Bus) *Gateway {
	return &Gateway{
		bus:   bus,
		feeds: make(map[string]*feed),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnConnect registers fn to run when a job gains its first subscriber.
func (g *Gateway) OnConnect(fn func(jobID string)) {
	g.onConnect = append(g.onConnect, fn)
}

// OnDisconnect registers fn to run when a job loses its last subscriber.
func (g *Gateway) OnDisconnect(fn func(jobID string)) {
	g.onDisconnect = append(g.onDisconnect, fn)
}

// Serve upgrades the request and streams progress snapshots for jobID until
// the client disconnects. Connection close is the only unsubscribe signal.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "job", jobID, "error", err)
		return
	}

	g.subscribe(jobID, conn)

	// No client-to-server messages are defined after subscribe; the read
	// loop exists to detect the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	g.unsubscribe(jobID, conn)
	_ = conn.Close()
}

func (g *Gateway) subscribe(jobID string, conn *websocket.Conn) {
	g.mu.Lock()
	f, ok := g.feeds[jobID]
	if !ok {
		f = &feed{jobID: jobID, conns: make(map[*websocket.Conn]struct{})}
		g.feeds[jobID] = f
		// Lazily register with the bus only for the first subscriber.
		g.bus.AddListener(jobID, f)
	}
	f.add(conn)
	g.mu.Unlock()

	if !ok {
		for _, fn := range g.onConnect {
			fn(jobID)
		}
	}
	slog.Debug("live-update subscriber connected", "job", jobID)
}

func (g *Gateway) unsubscribe(jobID string, conn *websocket.Conn) {
	g.mu.Lock()
	f, ok := g.feeds[jobID]
	var last bool
	if ok {
		last = f.remove(conn)
		if last {
			g.bus.RemoveListener(jobID, f)
			delete(g.feeds, jobID)
		}
	}
	g.mu.Unlock()

	if last {
		for _, fn := range g.onDisconnect {
			fn(jobID)
		}
	}
	slog.Debug("live-update subscriber disconnected", "job", jobID)
}

// feed is the bus subscriber for one job id, fanning each update out to
// every connection. Each connection is an independent output path: a write
// failure drops that connection only, never the others or the publisher.
type feed struct {
	jobID string
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func (f *feed) add(conn *websocket.Conn) {
	f.mu.Lock()
	f.conns[conn] = struct{}{}
	f.mu.Unlock()
}

// remove drops conn and reports whether the feed is now empty.
func (f *feed) remove(conn *websocket.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, conn)
	return len(f.conns) == 0
}

// SendUpdate implements progress.Subscriber. One JSON text message per
// update, per connection.
func (f *feed) SendUpdate(u progress.Update) {
	f.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		targets = append(targets, c)
	}
	f.mu.Unlock()

	for _, c := range targets {
		if err := c.WriteJSON(u); err != nil {
			slog.Warn("dropping dead subscriber", "job", f.jobID, "error", err)
			f.mu.Lock()
			delete(f.conns, c)
			f.mu.Unlock()
			_ = c.Close()
		}
	}
}
