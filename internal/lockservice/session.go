package lockservice

import "sort"

// Session is a bounded-lifetime client identity, heartbeat-extended via
// Keepalive, and the implicit owner of any Lock it acquires.
//
// Session is a plain value owned exclusively by State; it is never shared
// by pointer across the state lock boundary.
type Session struct {
	SessionID     string
	ClientID      string
	Timeout       int // seconds, 5..3600 inclusive
	CreatedAt     float64
	LastKeepalive float64
	LocksHeld     map[string]struct{}
}

func newSession(id, clientID string, timeout int, now float64) *Session {
	return &Session{
		SessionID:     id,
		ClientID:      clientID,
		Timeout:       timeout,
		CreatedAt:     now,
		LastKeepalive: now,
		LocksHeld:     make(map[string]struct{}),
	}
}

// isExpired: a session is expired once now - last_keepalive exceeds its
// timeout window.
func (s *Session) isExpired(now float64) bool {
	return now-s.LastKeepalive > float64(s.Timeout)
}

// clone returns a deep copy safe to hand to a caller outside state_mu.
func (s *Session) clone() *Session {
	cp := *s
	cp.LocksHeld = make(map[string]struct{}, len(s.LocksHeld))
	for r := range s.LocksHeld {
		cp.LocksHeld[r] = struct{}{}
	}
	return &cp
}

// LocksHeldSlice returns a deterministically sorted snapshot of the
// resources this session currently holds a lock on.
func (s *Session) LocksHeldSlice() []string {
	out := make([]string, 0, len(s.LocksHeld))
	for r := range s.LocksHeld {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
