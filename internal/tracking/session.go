package tracking

import (
	"context"
	"sync"

	"courier-map/internal/courier"
	"courier-map/internal/logging"
	"courier-map/internal/mapsync"
)

// SessionConfig carries everything a session needs besides its widget.
type SessionConfig struct {
	Scheduler Options
	Icon      mapsync.Icon
	PathStyle mapsync.PathStyle
	Errors    ErrorSink
	Logger    logging.Logger
}

// Session ties one map view to its own polling loop. Each mount builds a
// fresh rendered layer and scheduler; unmount stops and tears both down.
type Session struct {
	id      string
	fetcher courier.Fetcher
	widget  mapsync.Widget
	cfg     SessionConfig
	log     logging.Logger

	mu     sync.Mutex
	sched  *Scheduler
	engine *mapsync.Engine
}

func NewSession(id string, fetcher courier.Fetcher, widget mapsync.Widget, cfg SessionConfig) *Session {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("session_id", id))
	cfg.Scheduler.Logger = log
	return &Session{
		id:      id,
		fetcher: fetcher,
		widget:  widget,
		cfg:     cfg,
		log:     log,
	}
}

func (s *Session) ID() string { return s.id }

// Mount starts polling when the view can render. Views that cannot render,
// such as headless clients, never start a scheduler. It reports whether a
// polling loop is running after the call.
func (s *Session) Mount(ctx context.Context, renderCapable bool) bool {
	if !renderCapable {
		s.log.Debug(ctx, "view mounted without a renderer; polling not started")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return true
	}

	engine := mapsync.NewEngine(s.widget, s.cfg.Icon, s.cfg.PathStyle)
	sched := NewScheduler(s.fetcher, engine, s.cfg.Errors, s.cfg.Scheduler)
	if err := sched.Start(ctx); err != nil {
		s.log.Error(ctx, "start polling", logging.Err(err))
		return false
	}
	s.engine, s.sched = engine, sched
	s.log.Info(ctx, "tracking session started")
	return true
}

// Unmount stops polling and clears the layer. It is safe to call on a
// session that was never mounted.
func (s *Session) Unmount() {
	s.mu.Lock()
	sched, engine := s.sched, s.engine
	s.sched, s.engine = nil, nil
	s.mu.Unlock()

	if sched == nil {
		return
	}
	sched.Stop()
	engine.Teardown()
	s.log.Info(context.Background(), "tracking session stopped")
}

// Active reports whether a polling loop is running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched != nil
}
