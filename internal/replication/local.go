package replication

import (
	"context"
	"sync"
	"time"

	"github.com/thearun85/lock.io/internal/lockservice"
)

// Local is the single-node fallback Replicator, used when no peers and no
// etcd endpoints are configured. It applies commands directly under a
// mutex and always reports itself as the permanent leader. This is also
// what unit tests use to exercise the state machine without standing up
// etcd.
type Local struct {
	mu        sync.Mutex
	sm        *lockservice.StateMachine
	self      string
	startedAt time.Time
}

func NewLocal(self string, sm *lockservice.StateMachine) *Local {
	return &Local{sm: sm, self: self, startedAt: time.Now()}
}

func (l *Local) Submit(ctx context.Context, cmd lockservice.Command) (lockservice.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sm.Apply(cmd), nil
}

func (l *Local) IsLeader() bool { return true }

func (l *Local) Leader() string { return l.self }

func (l *Local) Status() Status {
	return Status{
		SelfAddress: l.self,
		IsLeader:    true,
		Leader:      l.self,
		Peers:       nil,
		Ready:       true,
		Role:        RoleLeader,
		HasQuorum:   true,
		Term:        0,
		Uptime:      time.Since(l.startedAt),
		PeerCount:   0,
	}
}

func (l *Local) IsReady() bool { return true }

func (l *Local) Close() error { return nil }
