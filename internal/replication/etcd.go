package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"golang.org/x/sync/errgroup"

	"github.com/thearun85/lock.io/internal/lockservice"
)

// logEntry is the wire form of a Command appended to the replicated log.
// SubmitID lets the submitting node correlate a committed entry back to
// the caller waiting on Submit; every other node ignores it.
type logEntry struct {
	SubmitID string              `json:"submit_id"`
	Cmd      lockservice.Command `json:"cmd"`
}

// Etcd is the production Replicator: leader election via etcd's
// concurrency package, and a CAS-guarded, strictly ordered log under
// <prefix>/log/ that every node watches and applies in lockstep.
type Etcd struct {
	client  *clientv3.Client
	session *concurrency.Session
	elec    *concurrency.Election
	sm      *lockservice.StateMachine

	prefix string
	self   string
	peers  []string

	mu        sync.Mutex
	pending   map[string]chan lockservice.Result
	leader    string
	isLeader  bool
	ready     bool
	hasQuorum bool
	term      int64

	startedAt time.Time
	cancel    context.CancelFunc
}

// NewEtcd connects to etcd, starts campaigning for leadership, and begins
// watching the command log. It returns once the initial connection check
// succeeds; leadership and log replay happen in the background.
func NewEtcd(endpoints []string, prefix, self string, peers []string, sm *lockservice.StateMachine) (*Etcd, error) {
	if prefix == "" {
		prefix = "/lockd"
	}
	prefix = strings.TrimSuffix(prefix, "/")

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("replication: etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithLimit(1)); err != nil {
		client.Close()
		return nil, fmt.Errorf("replication: etcd unreachable: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(10))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("replication: etcd session: %w", err)
	}

	e := &Etcd{
		client:    client,
		session:   session,
		elec:      concurrency.NewElection(session, prefix+"/election"),
		sm:        sm,
		prefix:    prefix,
		self:      self,
		peers:     peers,
		pending:   make(map[string]chan lockservice.Result),
		startedAt: time.Now(),
	}

	e.probePeers(ctx)

	runCtx, runCancel := context.WithCancel(context.Background())
	e.cancel = runCancel

	go e.campaign(runCtx)
	go e.watchLeader(runCtx)
	go e.watchLog(runCtx)
	go e.pollHealth(runCtx)

	return e, nil
}

// probePeers does a best-effort concurrent health check against every
// configured peer's /health endpoint. A peer being unreachable at startup
// is common during a rolling restart and never fails NewEtcd; it's only
// logged, since peer liveness isn't this node's job to enforce.
func (e *Etcd) probePeers(ctx context.Context) {
	if len(e.peers) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range e.peers {
		peer := peer
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, "http://"+peer+"/health", nil)
			if err != nil {
				return nil
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				slog.Warn("replication: peer unreachable at startup", "peer", peer, "error", err)
				return nil
			}
			resp.Body.Close()
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Etcd) currentElection() (*concurrency.Election, *concurrency.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elec, e.session
}

func (e *Etcd) rebuildSession() {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(10))
	if err != nil {
		slog.Error("replication: failed to re-establish session", "error", err)
		time.Sleep(time.Second)
		return
	}
	e.mu.Lock()
	e.session = session
	e.elec = concurrency.NewElection(session, e.prefix+"/election")
	e.mu.Unlock()
}

func (e *Etcd) campaign(ctx context.Context) {
	for ctx.Err() == nil {
		elec, session := e.currentElection()
		if err := elec.Campaign(ctx, e.self); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("replication: campaign failed, retrying", "error", err)
			select {
			case <-session.Done():
				// The lease behind this campaign is gone; a fresh session is
				// needed before campaigning again.
				e.rebuildSession()
			case <-time.After(time.Second):
			}
			continue
		}

		e.mu.Lock()
		e.isLeader = true
		e.leader = e.self
		e.ready = true
		e.mu.Unlock()
		slog.Info("replication: elected leader", "self", e.self)

		select {
		case <-session.Done():
		case <-ctx.Done():
			return
		}

		e.mu.Lock()
		e.isLeader = false
		e.mu.Unlock()

		e.rebuildSession()
	}
}

// pollHealth periodically asks etcd for this member's raft status and uses
// it to derive the cluster-wide term and quorum signal the admin endpoint
// reports: a known raft leader means the cluster can commit, i.e. it has a
// quorum.
func (e *Etcd) pollHealth(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	e.refreshHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshHealth(ctx)
		}
	}
}

func (e *Etcd) refreshHealth(ctx context.Context) {
	endpoints := e.client.Endpoints()
	if len(endpoints) == 0 {
		return
	}
	statusCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	resp, err := e.client.Status(statusCtx, endpoints[0])
	cancel()
	if err != nil {
		e.mu.Lock()
		e.hasQuorum = false
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.term = int64(resp.RaftTerm)
	e.hasQuorum = resp.Leader != 0
	e.mu.Unlock()
}

// watchLeader runs on every node, follower or leader, keeping e.leader
// current so followers can hand callers a leader hint without ever having
// won an election themselves. Observe's channel closes when the backing
// session dies; the loop then picks up whatever session campaign has
// re-established and resumes.
func (e *Etcd) watchLeader(ctx context.Context) {
	for ctx.Err() == nil {
		elec, _ := e.currentElection()

		resp, err := elec.Leader(ctx)
		if err == nil && len(resp.Kvs) > 0 {
			e.mu.Lock()
			e.leader = string(resp.Kvs[0].Value)
			e.ready = true
			e.mu.Unlock()
		}

		for result := range elec.Observe(ctx) {
			if len(result.Kvs) == 0 {
				continue
			}
			e.mu.Lock()
			e.leader = string(result.Kvs[0].Value)
			e.ready = true
			e.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// watchLog replays the committed log from the beginning and then tails new
// entries, applying every one to the state machine in key order. This runs
// on every node, leader included, so the leader's own writes land back
// through the same deterministic path as everyone else's.
func (e *Etcd) watchLog(ctx context.Context) {
	logPrefix := e.prefix + "/log/"

	getResp, err := e.client.Get(ctx, logPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	for err != nil {
		slog.Error("replication: initial log read failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		getResp, err = e.client.Get(ctx, logPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	}
	for _, kv := range getResp.Kvs {
		e.applyRaw(kv.Value)
	}

	watchCh := e.client.Watch(ctx, logPrefix, clientv3.WithPrefix(), clientv3.WithRev(getResp.Header.Revision+1))
	for wresp := range watchCh {
		for _, ev := range wresp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			e.applyRaw(ev.Kv.Value)
		}
	}
}

func (e *Etcd) applyRaw(raw []byte) {
	var entry logEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Error("replication: malformed log entry", "error", err)
		return
	}

	result := e.sm.Apply(entry.Cmd)

	if entry.SubmitID == "" {
		return
	}
	e.mu.Lock()
	ch, found := e.pending[entry.SubmitID]
	if found {
		delete(e.pending, entry.SubmitID)
	}
	e.mu.Unlock()
	if found {
		ch <- result
	}
}

// Submit appends cmd to the log under a CAS-guarded sequence key and waits
// for the local watch loop to apply it. On a non-leader it returns an error
// immediately without touching etcd; the service facade maps that error to
// NOT_LEADER.
func (e *Etcd) Submit(ctx context.Context, cmd lockservice.Command) (lockservice.Result, error) {
	if !e.IsLeader() {
		return lockservice.Result{}, fmt.Errorf("replication: not leader")
	}

	submitID := fmt.Sprintf("%s-%d", e.self, time.Now().UnixNano())
	waitCh := make(chan lockservice.Result, 1)
	e.mu.Lock()
	e.pending[submitID] = waitCh
	e.mu.Unlock()

	entry := logEntry{SubmitID: submitID, Cmd: cmd}
	data, err := json.Marshal(entry)
	if err != nil {
		e.mu.Lock()
		delete(e.pending, submitID)
		e.mu.Unlock()
		return lockservice.Result{}, fmt.Errorf("replication: marshal entry: %w", err)
	}

	if err := e.appendLog(ctx, data); err != nil {
		e.mu.Lock()
		delete(e.pending, submitID)
		e.mu.Unlock()
		return lockservice.Result{}, err
	}

	select {
	case result := <-waitCh:
		return result, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, submitID)
		e.mu.Unlock()
		return lockservice.Result{}, ctx.Err()
	}
}

// appendLog allocates the next sequence number via a CAS loop against a
// counter key, then writes the entry at <prefix>/log/<seq>, zero-padded so
// lexical and numeric ordering agree.
func (e *Etcd) appendLog(ctx context.Context, data []byte) error {
	seqKey := e.prefix + "/log/seq"

	for attempt := 0; attempt < 10; attempt++ {
		getResp, err := e.client.Get(ctx, seqKey)
		if err != nil {
			return fmt.Errorf("replication: read sequence: %w", err)
		}

		var next int64
		var modRev int64
		if len(getResp.Kvs) > 0 {
			modRev = getResp.Kvs[0].ModRevision
			n, err := strconv.ParseInt(string(getResp.Kvs[0].Value), 10, 64)
			if err != nil {
				return fmt.Errorf("replication: parse sequence: %w", err)
			}
			next = n + 1
		} else {
			next = 1
		}

		entryKey := fmt.Sprintf("%s/log/%020d", e.prefix, next)
		nextVal := strconv.FormatInt(next, 10)

		txn := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(seqKey), "=", modRev)).
			Then(
				clientv3.OpPut(seqKey, nextVal),
				clientv3.OpPut(entryKey, string(data)),
			)

		resp, err := txn.Commit()
		if err != nil {
			return fmt.Errorf("replication: append txn: %w", err)
		}
		if resp.Succeeded {
			return nil
		}
		// Lost the CAS race against another submitter; retry with a fresh read.
	}

	return fmt.Errorf("replication: exhausted retries appending to log")
}

func (e *Etcd) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Etcd) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *Etcd) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Etcd) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	role := RoleCandidate
	switch {
	case e.isLeader:
		role = RoleLeader
	case e.leader != "":
		role = RoleFollower
	}

	return Status{
		SelfAddress: e.self,
		IsLeader:    e.isLeader,
		Leader:      e.leader,
		Peers:       e.peers,
		Ready:       e.ready,
		Role:        role,
		HasQuorum:   e.hasQuorum,
		Term:        e.term,
		Uptime:      time.Since(e.startedAt),
		PeerCount:   len(e.peers),
	}
}

func (e *Etcd) Close() error {
	e.cancel()
	elec, session := e.currentElection()
	if err := elec.Resign(context.Background()); err != nil {
		slog.Warn("replication: resign on close failed", "error", err)
	}
	if err := session.Close(); err != nil {
		slog.Warn("replication: session close failed", "error", err)
	}
	return e.client.Close()
}
