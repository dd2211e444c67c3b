package simulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"courier-map/internal/courier"
)

var ErrNotFound = errors.New("courier not found")

// Store keeps the latest published fleet state for the HTTP API.
type Store interface {
	Save(ctx context.Context, couriers courier.Snapshot) error
	List(ctx context.Context) (courier.Snapshot, error)
	Get(ctx context.Context, id int) (courier.Courier, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	couriers courier.Snapshot
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(_ context.Context, couriers courier.Snapshot) error {
	cp := make(courier.Snapshot, len(couriers))
	copy(cp, couriers)
	m.mu.Lock()
	m.couriers = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(context.Context) (courier.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(courier.Snapshot, len(m.couriers))
	copy(cp, m.couriers)
	return cp, nil
}

func (m *MemoryStore) Get(_ context.Context, id int) (courier.Courier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.couriers {
		if c.ID == id {
			return c, nil
		}
	}
	return courier.Courier{}, ErrNotFound
}

const courierIndexKey = "couriers"

func courierKey(id int) string { return "courier:" + strconv.Itoa(id) }

// RedisStore keeps each courier in a hash at courier:<id> and the known ids in
// the couriers set, so several API replicas can serve one simulation.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Save(ctx context.Context, couriers courier.Snapshot) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range couriers {
			pipe.HSet(ctx, courierKey(c.ID), map[string]interface{}{
				"id":          c.ID,
				"origin_lat":  c.Origin.Lat,
				"origin_lon":  c.Origin.Lon,
				"destiny_lat": c.Destiny.Lat,
				"destiny_lon": c.Destiny.Lon,
				"current_lat": c.Current.Lat,
				"current_lon": c.Current.Lon,
			})
			pipe.SAdd(ctx, courierIndexKey, c.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save couriers: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) (courier.Snapshot, error) {
	members, err := r.rdb.SMembers(ctx, courierIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list courier ids: %w", err)
	}
	ids := make([]int, 0, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("courier id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, courierKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load couriers: %w", err)
	}

	out := make(courier.Snapshot, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		c, err := courierFromHash(fields)
		if err != nil {
			return nil, fmt.Errorf("courier %d: %w", ids[i], err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *RedisStore) Get(ctx context.Context, id int) (courier.Courier, error) {
	fields, err := r.rdb.HGetAll(ctx, courierKey(id)).Result()
	if err != nil {
		return courier.Courier{}, fmt.Errorf("load courier %d: %w", id, err)
	}
	if len(fields) == 0 {
		return courier.Courier{}, ErrNotFound
	}
	return courierFromHash(fields)
}

func courierFromHash(fields map[string]string) (courier.Courier, error) {
	var (
		c   courier.Courier
		err error
	)
	num := func(key string) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = strconv.ParseFloat(fields[key], 64)
		if err != nil {
			err = fmt.Errorf("field %s: %w", key, err)
		}
		return v
	}

	c.ID, err = strconv.Atoi(fields["id"])
	if err != nil {
		return courier.Courier{}, fmt.Errorf("field id: %w", err)
	}
	c.Origin = courier.Location{Lat: num("origin_lat"), Lon: num("origin_lon")}
	c.Destiny = courier.Location{Lat: num("destiny_lat"), Lon: num("destiny_lon")}
	c.Current = courier.Location{Lat: num("current_lat"), Lon: num("current_lon")}
	if err != nil {
		return courier.Courier{}, err
	}
	return c, nil
}
