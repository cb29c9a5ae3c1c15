// Package replication provides the Replicator abstraction the lock service
// submits commands through. A Replicator's only job is to get a Command
// applied, in the same order, on every node's state machine; how it
// achieves that (etcd-backed log, or a single local mutex) is its own
// concern.
package replication

import (
	"context"
	"time"

	"github.com/thearun85/lock.io/internal/lockservice"
)

// Role is a node's consensus role.
type Role string

const (
	RoleFollower  Role = "FOLLOWER"
	RoleCandidate Role = "CANDIDATE"
	RoleLeader    Role = "LEADER"
)

// Status summarizes cluster membership and health for the admin endpoint.
type Status struct {
	SelfAddress string
	IsLeader    bool
	Leader      string
	Peers       []string
	Ready       bool

	Role      Role
	HasQuorum bool
	Term      int64
	Uptime    time.Duration
	PeerCount int
}

// Replicator gets a Command applied identically across the cluster and
// returns the Result the state machine produced for it. Implementations
// must apply commands in the same order on every replica; Submit itself
// may only be called meaningfully on the leader.
type Replicator interface {
	Submit(ctx context.Context, cmd lockservice.Command) (lockservice.Result, error)
	IsLeader() bool
	Leader() string
	Status() Status
	IsReady() bool
	Close() error
}

// SubmitTimeout bounds how long Submit waits for a command to commit and
// apply before giving up with a Timeout error.
const SubmitTimeout = 5 * time.Second
