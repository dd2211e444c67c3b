// Package simulator runs the mock courier service: a fleet of couriers that
// drive between random points of a city and the HTTP API that exposes them.
package simulator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"courier-map/internal/courier"
	"courier-map/internal/logging"
)

// Bounds is a latitude/longitude box couriers stay inside.
type Bounds struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
}

// PortoAlegre covers the city the map is centred on.
var PortoAlegre = Bounds{LatMin: -30.25, LatMax: -29.98, LonMin: -51.30, LonMax: -51.05}

func (b Bounds) Contains(l courier.Location) bool {
	return l.Lat >= b.LatMin && l.Lat <= b.LatMax && l.Lon >= b.LonMin && l.Lon <= b.LonMax
}

type Config struct {
	Couriers int
	// Speed is in degrees per second.
	Speed  float64
	Step   time.Duration
	Bounds Bounds
	// Seed fixes the random source; zero seeds from the clock.
	Seed int64

	Clock  clockwork.Clock
	Logger logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Couriers <= 0 {
		c.Couriers = 10
	}
	if c.Speed <= 0 {
		c.Speed = 0.001
	}
	if c.Step <= 0 {
		c.Step = 100 * time.Millisecond
	}
	if c.Bounds == (Bounds{}) {
		c.Bounds = PortoAlegre
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logging.Noop()
	}
	return c
}

// mover is a courier plus its per-step displacement.
type mover struct {
	courier.Courier
	dLat, dLon float64
}

// Simulator owns the fleet. Step and Run must not be called concurrently.
type Simulator struct {
	cfg      Config
	rng      *rand.Rand
	stepSize float64
	movers   []*mover
	store    Store
	log      logging.Logger
}

func New(cfg Config, store Store) (*Simulator, error) {
	if store == nil {
		return nil, errors.New("simulator: store is required")
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = cfg.Clock.Now().UnixNano()
	}

	s := &Simulator{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		stepSize: cfg.Speed * cfg.Step.Seconds(),
		store:    store,
		log:      cfg.Logger,
	}
	for id := 1; id <= cfg.Couriers; id++ {
		start := s.randomLocation()
		m := &mover{Courier: courier.Courier{
			ID:      id,
			Origin:  start,
			Current: start,
			Destiny: s.randomLocation(),
		}}
		s.aim(m)
		s.movers = append(s.movers, m)
	}
	return s, nil
}

func (s *Simulator) randomLocation() courier.Location {
	b := s.cfg.Bounds
	return courier.Location{
		Lat: b.LatMin + s.rng.Float64()*(b.LatMax-b.LatMin),
		Lon: b.LonMin + s.rng.Float64()*(b.LonMax-b.LonMin),
	}
}

func (s *Simulator) aim(m *mover) {
	dLat := m.Destiny.Lat - m.Current.Lat
	dLon := m.Destiny.Lon - m.Current.Lon
	dist := math.Hypot(dLat, dLon)
	if dist == 0 {
		m.dLat, m.dLon = 0, 0
		return
	}
	m.dLat = dLat / dist * s.stepSize
	m.dLon = dLon / dist * s.stepSize
}

// advance moves m one step. A courier that lands within one step of its
// destiny arrives there: the destiny becomes the new origin and current
// position, and a fresh destiny is drawn.
func (s *Simulator) advance(m *mover) {
	next := courier.Location{Lat: m.Current.Lat + m.dLat, Lon: m.Current.Lon + m.dLon}
	dLat := m.Destiny.Lat - next.Lat
	dLon := m.Destiny.Lon - next.Lon
	if dLat*dLat+dLon*dLon < s.stepSize*s.stepSize {
		m.Origin = m.Destiny
		m.Current = m.Destiny
		m.Destiny = s.randomLocation()
		s.aim(m)
		return
	}
	m.Current = next
}

// Snapshot returns a copy of the fleet's state.
func (s *Simulator) Snapshot() courier.Snapshot {
	out := make(courier.Snapshot, len(s.movers))
	for i, m := range s.movers {
		out[i] = m.Courier
	}
	return out
}

// Publish writes the current state to the store without moving anyone.
func (s *Simulator) Publish(ctx context.Context) error {
	return s.store.Save(ctx, s.Snapshot())
}

// Step advances every courier once and publishes the result.
func (s *Simulator) Step(ctx context.Context) error {
	for _, m := range s.movers {
		s.advance(m)
	}
	return s.Publish(ctx)
}

// Run steps the fleet on every tick until ctx ends. Store failures are logged
// and the simulation keeps going.
func (s *Simulator) Run(ctx context.Context) error {
	if err := s.Publish(ctx); err != nil {
		s.log.Warn(ctx, "publish couriers", logging.Err(err))
	}
	ticker := s.cfg.Clock.NewTicker(s.cfg.Step)
	defer ticker.Stop()

	s.log.Info(ctx, "simulation running",
		logging.Int("couriers", len(s.movers)),
		logging.Float64("speed_deg_per_sec", s.cfg.Speed),
		logging.String("step", s.cfg.Step.String()),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := s.Step(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn(ctx, "publish couriers", logging.Err(err))
			}
		}
	}
}
