package web

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"courier-map/internal/courier"
	"courier-map/internal/mapsync"
)

const writeWait = 5 * time.Second

// drawOp is one instruction streamed to the page, which applies it to its
// Leaflet layer group.
type drawOp struct {
	Op         string             `json:"op"`
	Handle     mapsync.Handle     `json:"handle,omitempty"`
	At         *courier.Location  `json:"at,omitempty"`
	From       *courier.Location  `json:"from,omitempty"`
	To         *courier.Location  `json:"to,omitempty"`
	Icon       *mapsync.Icon      `json:"icon,omitempty"`
	Style      *mapsync.PathStyle `json:"style,omitempty"`
	Message    string             `json:"message,omitempty"`
	Generation uint64             `json:"generation,omitempty"`
}

const (
	opClear  = "clear"
	opMarker = "marker"
	opPath   = "path"
	opAdd    = "add"
	opError  = "error"
)

// socketWidget is a mapsync.Widget whose layer lives in the browser. Handles
// are allocated here and the page keys its Leaflet objects by them.
//
// A failed write marks the widget broken and every later call becomes a
// no-op; the read side notices the dead socket and unmounts the session.
type socketWidget struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	next   atomic.Uint64
	broken atomic.Bool
}

func newSocketWidget(conn *websocket.Conn) *socketWidget {
	return &socketWidget{conn: conn}
}

func (w *socketWidget) CreateMarker(at courier.Location, icon mapsync.Icon) mapsync.Handle {
	h := mapsync.Handle(w.next.Add(1))
	w.send(drawOp{Op: opMarker, Handle: h, At: &at, Icon: &icon})
	return h
}

func (w *socketWidget) CreatePath(from, to courier.Location, style mapsync.PathStyle) mapsync.Handle {
	h := mapsync.Handle(w.next.Add(1))
	w.send(drawOp{Op: opPath, Handle: h, From: &from, To: &to, Style: &style})
	return h
}

func (w *socketWidget) AddToLayer(h mapsync.Handle) {
	w.send(drawOp{Op: opAdd, Handle: h})
}

func (w *socketWidget) ClearLayer() {
	w.send(drawOp{Op: opClear})
}

// ReportFetchError shows the failure on the page. Polling carries on.
func (w *socketWidget) ReportFetchError(_ context.Context, err *courier.FetchError) {
	w.send(drawOp{Op: opError, Message: err.Error(), Generation: err.Generation})
}

func (w *socketWidget) Broken() bool { return w.broken.Load() }

func (w *socketWidget) send(op drawOp) {
	if w.broken.Load() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(op); err != nil {
		w.broken.Store(true)
	}
}

// ping writes a keepalive under the same lock as draw ops.
func (w *socketWidget) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}
