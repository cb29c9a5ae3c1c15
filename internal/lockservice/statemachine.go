package lockservice

import (
	"sort"

	"github.com/thearun85/lock.io/internal/lockerr"
)

// StateMachine is the deterministic command executor. Apply is invoked by
// the Replicator on every replica in commit order; apart from State.Restore,
// which replaces the whole state at startup, it is the only code path that
// mutates State.
type StateMachine struct {
	state *State
}

func NewStateMachine(state *State) *StateMachine {
	return &StateMachine{state: state}
}

// Apply executes a committed Command against State and returns its Result.
// It holds the state lock for the duration of the command.
func (sm *StateMachine) Apply(cmd Command) Result {
	sm.state.mu.Lock()
	defer sm.state.mu.Unlock()

	switch cmd.Kind {
	case CreateSessionCmd:
		return sm.applyCreateSession(cmd)
	case KeepaliveCmd:
		return sm.applyKeepalive(cmd)
	case DeleteSessionCmd:
		return sm.applyDeleteSession(cmd)
	case AcquireLockCmd:
		return sm.applyAcquireLock(cmd)
	case ReleaseLockCmd:
		return sm.applyReleaseLock(cmd)
	case CleanupExpiredCmd:
		return sm.applyCleanupExpired(cmd)
	default:
		return fail(lockerr.InvalidArgumentErr("unknown command kind"))
	}
}

func (sm *StateMachine) applyCreateSession(cmd Command) Result {
	sess := newSession(cmd.SessionID, cmd.ClientID, cmd.Timeout, cmd.Now)
	sm.state.sessions[cmd.SessionID] = sess
	return okSession(cmd.SessionID)
}

func (sm *StateMachine) applyKeepalive(cmd Command) Result {
	sess, found := sm.state.sessions[cmd.SessionID]
	if !found {
		return fail(lockerr.SessionNotFoundErr(cmd.SessionID))
	}
	if sess.isExpired(cmd.Now) {
		return fail(lockerr.SessionExpiredErr(cmd.SessionID))
	}
	sess.LastKeepalive = cmd.Now
	return ok()
}

func (sm *StateMachine) applyDeleteSession(cmd Command) Result {
	sess, found := sm.state.sessions[cmd.SessionID]
	if !found {
		return fail(lockerr.SessionNotFoundErr(cmd.SessionID))
	}
	sm.releaseSessionLocks(sess)
	delete(sm.state.sessions, cmd.SessionID)
	return ok()
}

func (sm *StateMachine) applyAcquireLock(cmd Command) Result {
	sess, found := sm.state.sessions[cmd.SessionID]
	if !found {
		return fail(lockerr.SessionNotFoundErr(cmd.SessionID))
	}
	if sess.isExpired(cmd.Now) {
		return fail(lockerr.SessionExpiredErr(cmd.SessionID))
	}

	if existing, held := sm.state.locks[cmd.Resource]; held {
		if existing.SessionID == cmd.SessionID {
			// Idempotence: the same session re-acquiring gets the same token.
			return okFence(existing.FenceToken)
		}
		return fail(lockerr.LockAlreadyHeldErr(cmd.Resource))
	}

	sm.state.fenceCounter++
	token := sm.state.fenceCounter
	sm.state.locks[cmd.Resource] = &Lock{
		Resource:   cmd.Resource,
		SessionID:  cmd.SessionID,
		FenceToken: token,
		AcquiredAt: cmd.Now,
	}
	sess.LocksHeld[cmd.Resource] = struct{}{}
	return okFence(token)
}

func (sm *StateMachine) applyReleaseLock(cmd Command) Result {
	// Fixed check order: not-found, then fence mismatch, then ownership.
	existing, found := sm.state.locks[cmd.Resource]
	if !found {
		return fail(lockerr.LockNotFoundErr(cmd.Resource))
	}
	if existing.FenceToken != cmd.FenceToken {
		return fail(lockerr.InvalidFenceTokenErr(cmd.Resource, cmd.FenceToken))
	}
	if existing.SessionID != cmd.SessionID {
		return fail(lockerr.LockNotOwnedErr(cmd.SessionID, cmd.Resource))
	}

	delete(sm.state.locks, cmd.Resource)
	if sess, found := sm.state.sessions[cmd.SessionID]; found {
		delete(sess.LocksHeld, cmd.Resource)
	}
	return ok()
}

func (sm *StateMachine) applyCleanupExpired(cmd Command) Result {
	var expired []string
	for id, sess := range sm.state.sessions {
		if sess.isExpired(cmd.Now) {
			expired = append(expired, id)
		}
	}
	// Deterministic ordering across replicas.
	sort.Strings(expired)

	for _, id := range expired {
		sess := sm.state.sessions[id]
		sm.releaseSessionLocks(sess)
		delete(sm.state.sessions, id)
	}
	return okCleanup(len(expired))
}

func (sm *StateMachine) releaseSessionLocks(sess *Session) {
	for resource := range sess.LocksHeld {
		delete(sm.state.locks, resource)
	}
}

// ---- Read-only operations: may bypass the log ----

// SessionView is the caller-visible snapshot of a Session, augmented with
// is_expired computed against the given `now`.
type SessionView struct {
	SessionID     string
	ClientID      string
	Timeout       int
	CreatedAt     float64
	LastKeepalive float64
	LocksHeld     []string
	IsExpired     bool
}

func (sm *StateMachine) GetSession(sessionID string, now float64) (SessionView, *lockerr.Error) {
	sm.state.mu.RLock()
	defer sm.state.mu.RUnlock()

	sess, found := sm.state.sessions[sessionID]
	if !found {
		return SessionView{}, lockerr.SessionNotFoundErr(sessionID)
	}
	return SessionView{
		SessionID:     sess.SessionID,
		ClientID:      sess.ClientID,
		Timeout:       sess.Timeout,
		CreatedAt:     sess.CreatedAt,
		LastKeepalive: sess.LastKeepalive,
		LocksHeld:     sess.LocksHeldSlice(),
		IsExpired:     sess.isExpired(now),
	}, nil
}

// Stats is the GetStats() read-only payload.
type Stats struct {
	TotalSessions   int
	ActiveSessions  int
	ExpiredSessions int
	TotalLocks      int
	FenceCounter    int64
	Timestamp       float64
}

func (sm *StateMachine) GetStats(now float64) Stats {
	sm.state.mu.RLock()
	defer sm.state.mu.RUnlock()

	stats := Stats{
		TotalSessions: len(sm.state.sessions),
		TotalLocks:    len(sm.state.locks),
		FenceCounter:  sm.state.fenceCounter,
		Timestamp:     now,
	}
	for _, sess := range sm.state.sessions {
		if sess.isExpired(now) {
			stats.ExpiredSessions++
		} else {
			stats.ActiveSessions++
		}
	}
	return stats
}

// LockStatus returns the owning session id, or "" if the resource is free.
func (sm *StateMachine) LockStatus(resource string) string {
	sm.state.mu.RLock()
	defer sm.state.mu.RUnlock()

	l, found := sm.state.locks[resource]
	if !found {
		return ""
	}
	return l.SessionID
}

// LockInfo is a read-only lock-detail view used by the admin inspection
// endpoint.
type LockInfo struct {
	Resource   string
	SessionID  string
	FenceToken int64
	AcquiredAt float64
}

func (sm *StateMachine) LockInfo(resource string) (LockInfo, bool) {
	sm.state.mu.RLock()
	defer sm.state.mu.RUnlock()

	l, found := sm.state.locks[resource]
	if !found {
		return LockInfo{}, false
	}
	return LockInfo{
		Resource:   l.Resource,
		SessionID:  l.SessionID,
		FenceToken: l.FenceToken,
		AcquiredAt: l.AcquiredAt,
	}, true
}
