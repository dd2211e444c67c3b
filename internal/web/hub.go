package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"courier-map/internal/courier"
	"courier-map/internal/logging"
	"courier-map/internal/tracking"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is a lifecycle notification from the page.
type clientMessage struct {
	Type   string `json:"type"`
	Render bool   `json:"render"`
}

// viewer is one open map view: a socket, the widget drawing into it, and the
// tracking session polling on its behalf.
type viewer struct {
	id      string
	conn    *websocket.Conn
	widget  *socketWidget
	session *tracking.Session
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	polling bool
}

// hub tracks open viewers so shutdown can close them.
type hub struct {
	ctx     context.Context
	cancel  context.CancelFunc
	fetcher courier.Fetcher
	session tracking.SessionConfig
	metrics Metrics
	log     logging.Logger

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	wg      sync.WaitGroup
}

func newHub(fetcher courier.Fetcher, session tracking.SessionConfig, metrics Metrics, log logging.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		ctx:     ctx,
		cancel:  cancel,
		fetcher: fetcher,
		session: session,
		metrics: metrics,
		log:     log,
		viewers: make(map[*viewer]struct{}),
	}
}

// add registers v and reserves its goroutines. It fails once closeAll ran.
func (h *hub) add(v *viewer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.viewers[v] = struct{}{}
	h.wg.Add(2)
	h.metrics.SocketOpened()
	return true
}

func (h *hub) remove(v *viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v]
	delete(h.viewers, v)
	h.mu.Unlock()
	if ok {
		h.metrics.SocketClosed()
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// closeAll unmounts every view and waits for their goroutines to exit.
func (h *hub) closeAll() {
	h.mu.Lock()
	h.cancel()
	for v := range h.viewers {
		_ = v.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !s.auth.IsAuthenticated(r) {
		s.writeError(w, r, http.StatusUnauthorized, "not logged in")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		s.writeError(w, r, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "ws upgrade failed", logging.Err(err))
		return
	}

	h := s.hub
	id := uuid.NewString()
	widget := newSocketWidget(conn)
	cfg := h.session
	cfg.Errors = widget
	cfg.Logger = h.log
	ctx, cancel := context.WithCancel(h.ctx)

	v := &viewer{
		id:      id,
		conn:    conn,
		widget:  widget,
		session: tracking.NewSession(id, h.fetcher, widget, cfg),
		ctx:     ctx,
		cancel:  cancel,
	}
	if !h.add(v) {
		cancel()
		_ = conn.Close()
		return
	}
	go h.readPump(v)
	go h.pingLoop(v)
	h.log.Info(r.Context(), "viewer connected", logging.String("session_id", id))
}

// readPump applies lifecycle messages until the socket closes, which counts
// as an unmount.
func (h *hub) readPump(v *viewer) {
	defer func() {
		h.unmount(v)
		v.cancel()
		h.remove(v)
		_ = v.conn.Close()
		h.log.Info(context.Background(), "viewer disconnected", logging.String("session_id", v.id))
		h.wg.Done()
	}()

	v.conn.SetReadLimit(maxFrameSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug(v.ctx, "ignoring malformed viewer message", logging.String("session_id", v.id), logging.Err(err))
			continue
		}
		switch msg.Type {
		case "mount":
			h.mount(v, msg.Render)
		case "unmount":
			h.unmount(v)
		default:
			h.log.Debug(v.ctx, "ignoring viewer message", logging.String("type", msg.Type))
		}
	}
}

func (h *hub) pingLoop(v *viewer) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			if err := v.widget.ping(); err != nil {
				_ = v.conn.Close()
				return
			}
		}
	}
}

func (h *hub) mount(v *viewer, render bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.polling {
		return
	}
	if v.session.Mount(v.ctx, render) {
		v.polling = true
		h.metrics.SessionStarted()
	}
}

func (h *hub) unmount(v *viewer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.polling {
		return
	}
	v.session.Unmount()
	v.polling = false
	h.metrics.SessionStopped()
}
