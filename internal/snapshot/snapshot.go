// Package snapshot persists a point-in-time copy of cluster State to Redis
// as a recovery accelerator, never the system of record. A node that
// restarts loads the last snapshot to avoid replaying the full command log
// from empty, then resumes normal replication from wherever the log picks
// up next.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thearun85/lock.io/internal/lockservice"
)

// Store wraps go-redis v9 for snapshot persistence: connect-and-ping at
// construction, a small explicit method set, context on every call.
type Store struct {
	rdb *redis.Client
	key string
}

// NewStore connects to Redis and verifies reachability before returning.
func NewStore(addr, key string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("snapshot: redis ping failed (%s): %w", addr, err)
	}
	return &Store{rdb: rdb, key: key}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// wireSnapshot is the JSON-serializable projection of lockservice.Snapshot.
// Sessions' LocksHeld sets are flattened to sorted slices since Go maps
// don't round-trip through JSON deterministically and sets have no native
// JSON form.
type wireSnapshot struct {
	Sessions     []wireSession `json:"sessions"`
	Locks        []wireLock    `json:"locks"`
	FenceCounter int64         `json:"fence_counter"`
}

type wireSession struct {
	SessionID     string   `json:"session_id"`
	ClientID      string   `json:"client_id"`
	Timeout       int      `json:"timeout"`
	CreatedAt     float64  `json:"created_at"`
	LastKeepalive float64  `json:"last_keepalive"`
	LocksHeld     []string `json:"locks_held"`
}

type wireLock struct {
	Resource   string  `json:"resource"`
	SessionID  string  `json:"session_id"`
	FenceToken int64   `json:"fence_token"`
	AcquiredAt float64 `json:"acquired_at"`
}

// Save serializes and stores the given snapshot, overwriting any prior one.
func (s *Store) Save(ctx context.Context, snap lockservice.Snapshot) error {
	wire := toWire(snap)
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	return s.rdb.Set(ctx, s.key, data, 0).Err()
}

// Load fetches and deserializes the last saved snapshot. Returns
// (Snapshot{}, false, nil) if no snapshot has ever been saved.
func (s *Store) Load(ctx context.Context) (lockservice.Snapshot, bool, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return lockservice.Snapshot{}, false, nil
	}
	if err != nil {
		return lockservice.Snapshot{}, false, fmt.Errorf("snapshot: fetch: %w", err)
	}

	var wire wireSnapshot
	if err := json.Unmarshal(data, &wire); err != nil {
		return lockservice.Snapshot{}, false, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return fromWire(wire), true, nil
}

func toWire(snap lockservice.Snapshot) wireSnapshot {
	wire := wireSnapshot{FenceCounter: snap.FenceCounter}
	for _, sess := range snap.Sessions {
		wire.Sessions = append(wire.Sessions, wireSession{
			SessionID:     sess.SessionID,
			ClientID:      sess.ClientID,
			Timeout:       sess.Timeout,
			CreatedAt:     sess.CreatedAt,
			LastKeepalive: sess.LastKeepalive,
			LocksHeld:     sess.LocksHeldSlice(),
		})
	}
	for _, l := range snap.Locks {
		wire.Locks = append(wire.Locks, wireLock{
			Resource:   l.Resource,
			SessionID:  l.SessionID,
			FenceToken: l.FenceToken,
			AcquiredAt: l.AcquiredAt,
		})
	}
	return wire
}

func fromWire(wire wireSnapshot) lockservice.Snapshot {
	snap := lockservice.Snapshot{
		Sessions:     make(map[string]*lockservice.Session, len(wire.Sessions)),
		Locks:        make(map[string]*lockservice.Lock, len(wire.Locks)),
		FenceCounter: wire.FenceCounter,
	}
	for _, ws := range wire.Sessions {
		held := make(map[string]struct{}, len(ws.LocksHeld))
		for _, r := range ws.LocksHeld {
			held[r] = struct{}{}
		}
		snap.Sessions[ws.SessionID] = &lockservice.Session{
			SessionID:     ws.SessionID,
			ClientID:      ws.ClientID,
			Timeout:       ws.Timeout,
			CreatedAt:     ws.CreatedAt,
			LastKeepalive: ws.LastKeepalive,
			LocksHeld:     held,
		}
	}
	for _, wl := range wire.Locks {
		snap.Locks[wl.Resource] = &lockservice.Lock{
			Resource:   wl.Resource,
			SessionID:  wl.SessionID,
			FenceToken: wl.FenceToken,
			AcquiredAt: wl.AcquiredAt,
		}
	}
	return snap
}
