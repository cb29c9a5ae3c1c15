package lockservice

import "github.com/thearun85/lock.io/internal/lockerr"

// CommandKind discriminates the mutating operations the StateMachine
// executes through the replicated log. Read-only operations (GetSession,
// GetStats, LockStatus, GetClusterStatus) are not Commands; they read
// State directly and may bypass the log.
type CommandKind string

const (
	CreateSessionCmd  CommandKind = "CREATE_SESSION"
	KeepaliveCmd      CommandKind = "KEEPALIVE"
	DeleteSessionCmd  CommandKind = "DELETE_SESSION"
	AcquireLockCmd    CommandKind = "ACQUIRE_LOCK"
	ReleaseLockCmd    CommandKind = "RELEASE_LOCK"
	CleanupExpiredCmd CommandKind = "CLEANUP_EXPIRED"
)

// Command is a pure function input: (State, Now, Command) -> (State', Result).
// Every field that would otherwise be sampled per-replica (a fresh session
// id, the wall clock used to decide expiry) is captured once by the leader
// before submission and carried here, so every replica computes the
// identical Result.
type Command struct {
	Kind CommandKind
	Now  float64

	// CreateSession: SessionID is pre-generated by the leader's IdGen.
	SessionID string
	ClientID  string
	Timeout   int

	// AcquireLock / ReleaseLock
	Resource   string
	FenceToken int64
}

// Result is the outcome of applying a Command. Exactly one of Err or the
// relevant payload field is meaningful.
type Result struct {
	Err *lockerr.Error

	SessionID    string
	FenceToken   int64
	CleanupCount int
}

func ok() Result {
	return Result{}
}

func okSession(id string) Result {
	return Result{SessionID: id}
}

func okFence(token int64) Result {
	return Result{FenceToken: token}
}

func okCleanup(n int) Result {
	return Result{CleanupCount: n}
}

func fail(err *lockerr.Error) Result {
	return Result{Err: err}
}

func (r Result) Success() bool {
	return r.Err == nil
}
