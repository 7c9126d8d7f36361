// Package remotestore implements the optional secondary persistence named
// in spec §1: a RoomStore port that MAY be backed by a remote key-value
// store. It wraps Redis with a circuit breaker so a dead mirror degrades
// the core to in-memory-only operation instead of blocking or crashing it.
package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/metrics"
	"github.com/lattice-chat/server/internal/room"
)

// record is the JSON shape persisted per spec §6: "{room_id, name,
// visibility, password_hash, created_by, created_at}"; messages are never
// persisted here.
type record struct {
	RoomID       string    `json:"room_id"`
	Name         string    `json:"name"`
	Visibility   string    `json:"visibility"`
	PasswordHash string    `json:"password_hash"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

const keyPrefix = "chatcore:room:"

// Mirror is a Redis-backed implementation of room.Mirror. The zero value is
// not usable; construct with New.
type Mirror struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

var _ room.Mirror = (*Mirror)(nil)

// New dials addr and verifies connectivity once. It does not retry
// indefinitely; callers typically treat a connection failure at startup as
// fatal only if REDIS_ENABLED is set.
func New(addr, password string) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("remotestore: connect to redis: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        "remotestore",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.Set(stateVal)
		},
	}

	logging.Info(context.Background(), "remotestore connected")
	return &Mirror{client: client, cb: gobreaker.NewCircuitBreaker(settings)}, nil
}

// Put writes rec, overwriting any prior value for its room id.
func (m *Mirror) Put(ctx context.Context, rec room.MirrorRecord) error {
	_, err := m.cb.Execute(func() (any, error) {
		data, err := json.Marshal(record{
			RoomID:       rec.RoomID,
			Name:         rec.Name,
			Visibility:   rec.Visibility,
			PasswordHash: rec.PasswordHash,
			CreatedBy:    rec.CreatedBy,
			CreatedAt:    rec.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		return nil, m.client.Set(ctx, keyPrefix+rec.RoomID, data, 0).Err()
	})
	return m.degrade("put", err)
}

// Delete removes roomID's mirrored record, if any.
func (m *Mirror) Delete(ctx context.Context, roomID string) error {
	_, err := m.cb.Execute(func() (any, error) {
		return nil, m.client.Del(ctx, keyPrefix+roomID).Err()
	})
	return m.degrade("delete", err)
}

// Get reads back roomID's mirrored record, used only by tests and by an
// operator wanting to inspect mirror state; the live RoomStore never reads
// through the mirror during normal operation.
func (m *Mirror) Get(ctx context.Context, roomID string) (room.MirrorRecord, bool, error) {
	res, err := m.cb.Execute(func() (any, error) {
		return m.client.Get(ctx, keyPrefix+roomID).Result()
	})
	if err == redis.Nil {
		return room.MirrorRecord{}, false, nil
	}
	if err := m.degrade("get", err); err != nil {
		return room.MirrorRecord{}, false, err
	}
	if err != nil {
		return room.MirrorRecord{}, false, nil
	}

	var rec record
	if jsonErr := json.Unmarshal([]byte(res.(string)), &rec); jsonErr != nil {
		return room.MirrorRecord{}, false, jsonErr
	}
	return room.MirrorRecord{
		RoomID:       rec.RoomID,
		Name:         rec.Name,
		Visibility:   rec.Visibility,
		PasswordHash: rec.PasswordHash,
		CreatedBy:    rec.CreatedBy,
		CreatedAt:    rec.CreatedAt,
	}, true, nil
}

// Ping verifies connectivity to the backing Redis instance, bypassing the
// circuit breaker so a readiness probe always reports live state.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// degrade converts a circuit-open error into graceful no-op success: a dead
// mirror must never block or fail the in-memory RoomStore operation it
// backs.
func (m *Mirror) degrade(op string, err error) error {
	if err == nil {
		metrics.RemoteStoreOperations.WithLabelValues(op, "ok").Inc()
		return nil
	}
	if err == gobreaker.ErrOpenState {
		metrics.RemoteStoreOperations.WithLabelValues(op, "circuit_open").Inc()
		logging.Warn(context.Background(), "remotestore circuit open, degrading to in-memory only")
		return nil
	}
	metrics.RemoteStoreOperations.WithLabelValues(op, "error").Inc()
	logging.Error(context.Background(), "remotestore operation failed")
	return err
}
