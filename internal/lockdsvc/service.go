// Package lockdsvc is the service facade sitting between the HTTP boundary
// and the replicated state machine: it validates requests, fills in the
// deterministic fields of a Command (a fresh id, the current time), submits
// it through the Replicator, and turns the Result into something the HTTP
// layer can render.
package lockdsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/thearun85/lock.io/internal/clock"
	"github.com/thearun85/lock.io/internal/idgen"
	"github.com/thearun85/lock.io/internal/lockerr"
	"github.com/thearun85/lock.io/internal/lockservice"
	"github.com/thearun85/lock.io/internal/metrics"
	"github.com/thearun85/lock.io/internal/replication"
)

const (
	minClientIDLen = 1
	maxClientIDLen = 255
	minResourceLen = 1
	maxResourceLen = 255
)

// Service is the single entry point HTTP handlers call into.
type Service struct {
	replicator replication.Replicator
	sm         *lockservice.StateMachine
	clock      clock.Clock
	ids        idgen.IdGen
	metrics    *metrics.Metrics
	expirer    *lockservice.Expirer

	minTimeout int
	maxTimeout int
}

func New(replicator replication.Replicator, sm *lockservice.StateMachine, clk clock.Clock, ids idgen.IdGen, m *metrics.Metrics, expirer *lockservice.Expirer, minTimeout, maxTimeout int) *Service {
	return &Service{
		replicator: replicator,
		sm:         sm,
		clock:      clk,
		ids:        ids,
		metrics:    m,
		expirer:    expirer,
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

func (s *Service) submit(ctx context.Context, cmd lockservice.Command) (lockservice.Result, *lockerr.Error) {
	ctx, cancel := context.WithTimeout(ctx, replication.SubmitTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.replicator.Submit(ctx, cmd)
	s.metrics.SubmitDuration.WithLabelValues(string(cmd.Kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return lockservice.Result{}, lockerr.TimeoutErr()
		}
		if !s.replicator.IsLeader() {
			return lockservice.Result{}, lockerr.NotLeaderErr(s.replicator.Leader())
		}
		return lockservice.Result{}, lockerr.NoQuorumErr()
	}
	return result, nil
}

// CreateSession validates client_id/timeout, mints a fresh session id and
// submits CreateSessionCmd. The id and the timestamp are both sampled here,
// on the leader, exactly once.
func (s *Service) CreateSession(ctx context.Context, clientID string, timeout int) (lockservice.SessionView, *lockerr.Error) {
	if err := s.validateClientID(clientID); err != nil {
		return lockservice.SessionView{}, err
	}
	if timeout < s.minTimeout || timeout > s.maxTimeout {
		return lockservice.SessionView{}, lockerr.InvalidArgumentErr(
			fmt.Sprintf("timeout must be between %d and %d seconds", s.minTimeout, s.maxTimeout))
	}

	sessionID := s.ids.New()
	now := s.clock.Now()

	result, err := s.submit(ctx, lockservice.Command{
		Kind:      lockservice.CreateSessionCmd,
		Now:       now,
		SessionID: sessionID,
		ClientID:  clientID,
		Timeout:   timeout,
	})
	outcome := s.finish("create", result, err)
	if outcome != nil {
		return lockservice.SessionView{}, outcome
	}

	return s.sm.GetSession(sessionID, s.clock.Now())
}

func (s *Service) Keepalive(ctx context.Context, sessionID string) *lockerr.Error {
	result, err := s.submit(ctx, lockservice.Command{
		Kind:      lockservice.KeepaliveCmd,
		Now:       s.clock.Now(),
		SessionID: sessionID,
	})
	return s.finish("keepalive", result, err)
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) *lockerr.Error {
	result, err := s.submit(ctx, lockservice.Command{
		Kind:      lockservice.DeleteSessionCmd,
		Now:       s.clock.Now(),
		SessionID: sessionID,
	})
	return s.finish("delete", result, err)
}

func (s *Service) AcquireLock(ctx context.Context, sessionID, resource string) (int64, *lockerr.Error) {
	if err := s.validateResource(resource); err != nil {
		return 0, err
	}
	result, err := s.submit(ctx, lockservice.Command{
		Kind:      lockservice.AcquireLockCmd,
		Now:       s.clock.Now(),
		SessionID: sessionID,
		Resource:  resource,
	})
	if outcome := s.finishLock("acquire", result, err); outcome != nil {
		return 0, outcome
	}
	return result.FenceToken, nil
}

func (s *Service) ReleaseLock(ctx context.Context, sessionID, resource string, fenceToken int64) *lockerr.Error {
	if err := s.validateResource(resource); err != nil {
		return err
	}
	result, err := s.submit(ctx, lockservice.Command{
		Kind:       lockservice.ReleaseLockCmd,
		Now:        s.clock.Now(),
		SessionID:  sessionID,
		Resource:   resource,
		FenceToken: fenceToken,
	})
	return s.finishLock("release", result, err)
}

// Cleanup triggers an Expirer sweep, submitting a CleanupExpired command
// through the replicated log, and records how many sessions were reaped.
func (s *Service) Cleanup() (int, *lockerr.Error) {
	count, err := s.expirer.Sweep()
	if err != nil {
		if lerr, ok := err.(*lockerr.Error); ok {
			return 0, lerr
		}
		if !s.replicator.IsLeader() {
			return 0, lockerr.NotLeaderErr(s.replicator.Leader())
		}
		return 0, lockerr.TimeoutErr()
	}
	s.metrics.CleanupExpiredTotal.Add(float64(count))
	return count, nil
}

// GetSession, GetStats, LockStatus and LockInfo are reads; they never go
// through Submit.

func (s *Service) GetSession(sessionID string) (lockservice.SessionView, *lockerr.Error) {
	return s.sm.GetSession(sessionID, s.clock.Now())
}

func (s *Service) GetStats() lockservice.Stats {
	stats := s.sm.GetStats(s.clock.Now())
	s.metrics.ActiveSessions.Set(float64(stats.ActiveSessions))
	s.metrics.TotalLocks.Set(float64(stats.TotalLocks))
	s.metrics.FenceCounter.Set(float64(stats.FenceCounter))
	return stats
}

func (s *Service) LockStatus(resource string) string {
	return s.sm.LockStatus(resource)
}

func (s *Service) LockInfo(resource string) (lockservice.LockInfo, bool) {
	return s.sm.LockInfo(resource)
}

func (s *Service) ClusterStatus() replication.Status {
	return s.replicator.Status()
}

func (s *Service) validateClientID(clientID string) *lockerr.Error {
	if len(clientID) < minClientIDLen || len(clientID) > maxClientIDLen {
		return lockerr.InvalidArgumentErr(fmt.Sprintf("client_id must be between %d and %d characters", minClientIDLen, maxClientIDLen))
	}
	return nil
}

func (s *Service) validateResource(resource string) *lockerr.Error {
	if len(resource) < minResourceLen || len(resource) > maxResourceLen {
		return lockerr.InvalidArgumentErr(fmt.Sprintf("resource must be between %d and %d characters", minResourceLen, maxResourceLen))
	}
	return nil
}

func (s *Service) finish(op string, result lockservice.Result, err *lockerr.Error) *lockerr.Error {
	if err != nil {
		s.metrics.SessionOps.WithLabelValues(op, "error").Inc()
		return err
	}
	if !result.Success() {
		s.metrics.SessionOps.WithLabelValues(op, "error").Inc()
		return result.Err
	}
	s.metrics.SessionOps.WithLabelValues(op, "ok").Inc()
	return nil
}

func (s *Service) finishLock(op string, result lockservice.Result, err *lockerr.Error) *lockerr.Error {
	if err != nil {
		s.metrics.LockOps.WithLabelValues(op, "error").Inc()
		return err
	}
	if !result.Success() {
		s.metrics.LockOps.WithLabelValues(op, "error").Inc()
		return result.Err
	}
	s.metrics.LockOps.WithLabelValues(op, "ok").Inc()
	return nil
}
