package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"courier-map/internal/auth"
	"courier-map/internal/courier"
	"courier-map/internal/mapsync"
	"courier-map/internal/tracking"
)

type staticFetcher struct {
	snapshot courier.Snapshot
	err      error
}

func (f staticFetcher) Fetch(context.Context) (courier.Snapshot, error) {
	return f.snapshot, f.err
}

type countingMetrics struct {
	mu       sync.Mutex
	sockets  int
	sessions int
	requests int
}

func (m *countingMetrics) ObserveRequest(string, int) { m.add(&m.requests, 1) }
func (m *countingMetrics) SocketOpened()              { m.add(&m.sockets, 1) }
func (m *countingMetrics) SocketClosed()              { m.add(&m.sockets, -1) }
func (m *countingMetrics) SessionStarted()            { m.add(&m.sessions, 1) }
func (m *countingMetrics) SessionStopped()            { m.add(&m.sessions, -1) }

func (m *countingMetrics) add(field *int, d int) {
	m.mu.Lock()
	*field += d
	m.mu.Unlock()
}

func (m *countingMetrics) get(field *int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var testSnapshot = courier.Snapshot{
	{
		ID:      1,
		Origin:  courier.Location{Lat: -30.0, Lon: -51.2},
		Destiny: courier.Location{Lat: -30.1, Lon: -51.1},
		Current: courier.Location{Lat: -30.05, Lon: -51.15},
	},
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	metrics *countingMetrics
}

func newTestEnv(t *testing.T, fetcher courier.Fetcher) *testEnv {
	t.Helper()
	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>courier map</html>"), 0o600); err != nil {
		t.Fatalf("write index: %v", err)
	}

	metrics := &countingMetrics{}
	srv, err := NewServer(Deps{
		Auth: auth.NewService(auth.Config{
			Username: "admin",
			Password: "admin",
			Secret:   "test-secret-123",
		}),
		Fetcher: fetcher,
		Session: tracking.SessionConfig{
			Scheduler: tracking.Options{Interval: time.Hour, RetryDelay: time.Hour},
			Icon:      mapsync.Icon{URL: "/static/courier.svg", Width: 32, Height: 32},
			PathStyle: mapsync.PathStyle{Color: "#3388ff", Weight: 3},
		},
		Map:            MapConfig{CenterLat: -30.0346, CenterLon: -51.2177, Zoom: 13, MaxZoom: 19, TileURL: "https://tiles/{z}/{x}/{y}.png"},
		StaticDir:      static,
		Metrics:        metrics,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return &testEnv{srv: srv, ts: ts, metrics: metrics}
}

func noRedirectClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) login(t *testing.T, client *http.Client) {
	t.Helper()
	resp, err := client.PostForm(e.ts.URL+"/login", url.Values{"username": {"admin"}, "password": {"admin"}})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("login response = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func (e *testEnv) sessionCookie(t *testing.T, client *http.Client) *http.Cookie {
	t.Helper()
	u, _ := url.Parse(e.ts.URL)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == auth.CookieName {
			return c
		}
	}
	t.Fatalf("no session cookie in jar")
	return nil
}

func (e *testEnv) dial(t *testing.T, cookie *http.Cookie) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Add("Cookie", cookie.String())
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.ts.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v (response %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readOp(t *testing.T, conn *websocket.Conn) drawOp {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var op drawOp
	if err := conn.ReadJSON(&op); err != nil {
		t.Fatalf("read op: %v", err)
	}
	return op
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, staticFetcher{})
	resp, err := http.Get(env.ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}
}

func TestIndexRequiresLogin(t *testing.T) {
	env := newTestEnv(t, staticFetcher{})
	client := noRedirectClient(t)

	resp, err := client.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Fatalf("unauthenticated / = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	env.login(t, client)
	resp, err = client.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated / = %d", resp.StatusCode)
	}
}

func TestLoginFailureShowsMessage(t *testing.T) {
	env := newTestEnv(t, staticFetcher{})
	resp, err := noRedirectClient(t).PostForm(env.ts.URL+"/login", url.Values{"username": {"admin"}, "password": {"nope"}})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "Invalid username or password") {
		t.Fatalf("login page missing error message: %s", body)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	env := newTestEnv(t, staticFetcher{})
	client := noRedirectClient(t)
	env.login(t, client)

	resp, err := client.Post(env.ts.URL+"/logout", "", nil)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Location") != "/login" {
		t.Fatalf("logout redirect = %q", resp.Header.Get("Location"))
	}

	resp, err = client.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("/ after logout = %d, want redirect", resp.StatusCode)
	}
}

func TestMapConfig(t *testing.T) {
	env := newTestEnv(t, staticFetcher{})
	resp, err := http.Get(env.ts.URL + "/api/map-config")
	if err != nil {
		t.Fatalf("GET /api/map-config: %v", err)
	}
	defer resp.Body.Close()
	var cfg MapConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.CenterLat != -30.0346 || cfg.Zoom != 13 || cfg.MaxZoom != 19 {
		t.Fatalf("map config = %+v", cfg)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, staticFetcher{})
	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	eventually(t, "request observation", func() bool { return env.metrics.get(&env.metrics.requests) > 0 })
}

func TestSocketRejectsAnonymousAndPlainRequests(t *testing.T) {
	env := newTestEnv(t, staticFetcher{})

	resp, err := http.Get(env.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /ws = %d, want 401", resp.StatusCode)
	}

	client := noRedirectClient(t)
	env.login(t, client)
	resp, err = client.Get(env.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("plain /ws = %d, want 426", resp.StatusCode)
	}
}

func TestViewerMountStreamsCouriers(t *testing.T) {
	env := newTestEnv(t, staticFetcher{snapshot: testSnapshot})
	client := noRedirectClient(t)
	env.login(t, client)
	conn := env.dial(t, env.sessionCookie(t, client))

	if err := conn.WriteJSON(clientMessage{Type: "mount", Render: true}); err != nil {
		t.Fatalf("send mount: %v", err)
	}

	if op := readOp(t, conn); op.Op != opClear {
		t.Fatalf("first op = %q, want clear", op.Op)
	}
	marker := readOp(t, conn)
	if marker.Op != opMarker || marker.At == nil || *marker.At != testSnapshot[0].Current {
		t.Fatalf("marker op = %+v", marker)
	}
	if marker.Icon == nil || marker.Icon.URL != "/static/courier.svg" {
		t.Fatalf("marker icon = %+v", marker.Icon)
	}
	if add := readOp(t, conn); add.Op != opAdd || add.Handle != marker.Handle {
		t.Fatalf("expected add of marker %d, got %+v", marker.Handle, add)
	}
	path := readOp(t, conn)
	if path.Op != opPath || *path.From != testSnapshot[0].Origin || *path.To != testSnapshot[0].Destiny {
		t.Fatalf("path op = %+v", path)
	}
	if add := readOp(t, conn); add.Op != opAdd || add.Handle != path.Handle {
		t.Fatalf("expected add of path %d, got %+v", path.Handle, add)
	}

	eventually(t, "session gauge", func() bool { return env.metrics.get(&env.metrics.sessions) == 1 })

	if err := conn.WriteJSON(clientMessage{Type: "unmount"}); err != nil {
		t.Fatalf("send unmount: %v", err)
	}
	if op := readOp(t, conn); op.Op != opClear {
		t.Fatalf("unmount op = %q, want clear", op.Op)
	}
	eventually(t, "session stop", func() bool { return env.metrics.get(&env.metrics.sessions) == 0 })
}

func TestViewerWithoutRendererDoesNotPoll(t *testing.T) {
	env := newTestEnv(t, staticFetcher{snapshot: testSnapshot})
	client := noRedirectClient(t)
	env.login(t, client)
	conn := env.dial(t, env.sessionCookie(t, client))

	if err := conn.WriteJSON(clientMessage{Type: "mount", Render: false}); err != nil {
		t.Fatalf("send mount: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var op drawOp
	if err := conn.ReadJSON(&op); err == nil {
		t.Fatalf("headless viewer received %+v", op)
	}
	if got := env.metrics.get(&env.metrics.sessions); got != 0 {
		t.Fatalf("sessions = %d, want 0", got)
	}
}

func TestViewerReceivesFetchErrors(t *testing.T) {
	env := newTestEnv(t, staticFetcher{err: &courier.StatusError{Code: http.StatusServiceUnavailable}})
	client := noRedirectClient(t)
	env.login(t, client)
	conn := env.dial(t, env.sessionCookie(t, client))

	if err := conn.WriteJSON(clientMessage{Type: "mount", Render: true}); err != nil {
		t.Fatalf("send mount: %v", err)
	}
	op := readOp(t, conn)
	if op.Op != opError || op.Generation != 1 || !strings.Contains(op.Message, "503") {
		t.Fatalf("error op = %+v", op)
	}
}

func TestSocketCloseUnmountsAndShutdownDrains(t *testing.T) {
	env := newTestEnv(t, staticFetcher{snapshot: testSnapshot})
	client := noRedirectClient(t)
	env.login(t, client)

	first := env.dial(t, env.sessionCookie(t, client))
	if err := first.WriteJSON(clientMessage{Type: "mount", Render: true}); err != nil {
		t.Fatalf("send mount: %v", err)
	}
	readOp(t, first)
	env.dial(t, env.sessionCookie(t, client))
	eventually(t, "two sockets", func() bool { return env.srv.Viewers() == 2 })

	first.Close()
	eventually(t, "session stop after close", func() bool { return env.metrics.get(&env.metrics.sessions) == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if env.srv.Viewers() != 0 {
		t.Fatalf("viewers after shutdown = %d", env.srv.Viewers())
	}
	if got := env.metrics.get(&env.metrics.sockets); got != 0 {
		t.Fatalf("socket gauge = %d after shutdown", got)
	}
}
