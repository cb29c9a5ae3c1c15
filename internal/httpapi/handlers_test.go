package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thearun85/lock.io/internal/clock"
	"github.com/thearun85/lock.io/internal/lockdsvc"
	"github.com/thearun85/lock.io/internal/lockservice"
	"github.com/thearun85/lock.io/internal/metrics"
	"github.com/thearun85/lock.io/internal/replication"
)

type seqIDGen struct{ n int }

func (g *seqIDGen) New() string {
	g.n++
	return fmt.Sprintf("session-%d", g.n)
}

func newTestServer(t *testing.T) (*httptest.Server, *clock.Fake) {
	t.Helper()
	state := lockservice.NewState()
	sm := lockservice.NewStateMachine(state)
	local := replication.NewLocal("self:8080", sm)
	fake := clock.NewFake(1000)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	expirer := lockservice.NewExpirer(lockdsvc.ReplicatorSubmitter{Replicator: local}, fake.Now)
	svc := lockdsvc.New(local, sm, fake, &seqIDGen{}, m, expirer, 5, 3600)

	srv := httptest.NewServer(NewRouter(svc))
	t.Cleanup(srv.Close)
	return srv, fake
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp.StatusCode, decoded
}

func createSession(t *testing.T, srv *httptest.Server, clientID string, timeout int) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/sessions",
		fmt.Sprintf(`{"client_id": %q, "timeout": %d}`, clientID, timeout))
	require.Equal(t, http.StatusCreated, status)
	return body["session_id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "lockd", body["service"])
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["is_leader"])
	assert.Equal(t, "self:8080", body["leader"])
	assert.Equal(t, true, body["is_ready"])
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/sessions", `{"client_id": "test-client-1", "timeout": 60}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "test-client-1", body["client_id"])
	assert.Equal(t, float64(60), body["timeout"])
	assert.Equal(t, float64(20), body["keepalive_interval"])

	id := body["session_id"].(string)
	status, body = doJSON(t, http.MethodGet, srv.URL+"/sessions/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["is_expired"])
	assert.Equal(t, float64(20), body["keepalive_interval"])
}

func TestCreateSessionValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/sessions", `{"client_id": "   ", "timeout": 60}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/sessions", `{"client_id": "c", "timeout": 4}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/sessions", `{"client_id": "c", "timeout": 3601}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/sessions", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Session nope does not exist", body["error"])
}

func TestLockContentionFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	s1 := createSession(t, srv, "client-1", 60)
	s2 := createSession(t, srv, "client-2", 60)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+s1+"/locks/R", "")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(1), body["fence_token"])
	assert.Equal(t, true, body["acquired"])

	status, body = doJSON(t, http.MethodPost, srv.URL+"/sessions/"+s2+"/locks/R", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Resource R already locked by another session", body["error"])

	status, body = doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+s1+"/locks/R?fence_token=1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["released"])

	status, body = doJSON(t, http.MethodPost, srv.URL+"/sessions/"+s2+"/locks/R", "")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(2), body["fence_token"])
}

func TestReleaseLockErrorStatuses(t *testing.T) {
	srv, _ := newTestServer(t)
	s1 := createSession(t, srv, "client-1", 60)
	s2 := createSession(t, srv, "client-2", 60)

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+s1+"/locks/R", "")
	require.Equal(t, http.StatusCreated, status)

	// Wrong fence token: 409.
	status, body := doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+s1+"/locks/R?fence_token=100", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, float64(100), body["fence_token"])

	// Right token, wrong session: 403.
	status, _ = doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+s2+"/locks/R?fence_token=1", "")
	assert.Equal(t, http.StatusForbidden, status)

	// No lock at all: 404.
	status, _ = doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+s1+"/locks/other?fence_token=1", "")
	assert.Equal(t, http.StatusNotFound, status)

	// Unparseable fence token never reaches the service: 400.
	status, _ = doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+s1+"/locks/R?fence_token=abc", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestKeepaliveOnExpiredSessionIsGone(t *testing.T) {
	srv, fake := newTestServer(t)
	id := createSession(t, srv, "client-1", 5)

	fake.Advance(6)

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+id+"/keepalive", "")
	assert.Equal(t, http.StatusGone, status)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_expired"])
}

func TestDeleteSession(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv, "client-1", 60)

	status, body := doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["deleted"])

	status, _ = doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCleanupReleasesExpiredSessionLocks(t *testing.T) {
	srv, fake := newTestServer(t)
	s1 := createSession(t, srv, "client-1", 5)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+s1+"/locks/R", "")
	require.Equal(t, http.StatusCreated, status)
	firstToken := int64(body["fence_token"].(float64))

	fake.Advance(10)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/admin/cleanup", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var count int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, count, 1)

	// The resource is free again; a fresh session gets a strictly higher token.
	s2 := createSession(t, srv, "client-2", 60)
	status, body = doJSON(t, http.MethodPost, srv.URL+"/sessions/"+s2+"/locks/R", "")
	require.Equal(t, http.StatusCreated, status)
	assert.Greater(t, int64(body["fence_token"].(float64)), firstToken)
}

func TestAdminStats(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv, "client-1", 60)
	doJSON(t, http.MethodPost, srv.URL+"/sessions/"+id+"/locks/R", "")

	status, body := doJSON(t, http.MethodGet, srv.URL+"/admin/stats", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total_sessions"])
	assert.Equal(t, float64(1), body["active_sessions"])
	assert.Equal(t, float64(0), body["expired_sessions"])
	assert.Equal(t, float64(1), body["total_locks"])
	assert.Equal(t, float64(1), body["fence_counter"])
}

func TestAdminClusterStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/admin/cluster", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "LEADER", body["role"])
	assert.Equal(t, true, body["is_leader"])
	assert.Equal(t, true, body["has_quorum"])
	assert.Equal(t, float64(0), body["peer_count"])
}

func TestAdminLockInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv, "client-1", 60)
	doJSON(t, http.MethodPost, srv.URL+"/sessions/"+id+"/locks/R", "")

	status, body := doJSON(t, http.MethodGet, srv.URL+"/admin/locks/R", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, body["session_id"])
	assert.Equal(t, float64(1), body["fence_token"])

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/admin/locks/free", "")
	assert.Equal(t, http.StatusNotFound, status)
}

// notLeaderReplicator simulates a follower: every Submit fails and the
// known leader is elsewhere.
type notLeaderReplicator struct {
	leader string
}

func (r *notLeaderReplicator) Submit(ctx context.Context, cmd lockservice.Command) (lockservice.Result, error) {
	return lockservice.Result{}, fmt.Errorf("not leader")
}
func (r *notLeaderReplicator) IsLeader() bool { return false }
func (r *notLeaderReplicator) Leader() string { return r.leader }
func (r *notLeaderReplicator) Status() replication.Status {
	return replication.Status{
		SelfAddress: "self:8080",
		Leader:      r.leader,
		Ready:       true,
		Role:        replication.RoleFollower,
		HasQuorum:   true,
		PeerCount:   2,
	}
}
func (r *notLeaderReplicator) IsReady() bool { return true }
func (r *notLeaderReplicator) Close() error  { return nil }

func TestFollowerRejectsMutationsWithLeaderHint(t *testing.T) {
	state := lockservice.NewState()
	sm := lockservice.NewStateMachine(state)
	repl := &notLeaderReplicator{leader: "10.0.0.2:8080"}
	fake := clock.NewFake(1000)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	expirer := lockservice.NewExpirer(lockdsvc.ReplicatorSubmitter{Replicator: repl}, fake.Now)
	svc := lockdsvc.New(repl, sm, fake, &seqIDGen{}, m, expirer, 5, 3600)

	srv := httptest.NewServer(NewRouter(svc))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sessions", strings.NewReader(`{"client_id": "c", "timeout": 60}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 421, resp.StatusCode)
	assert.Equal(t, "10.0.0.2:8080", resp.Header.Get("Location"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "10.0.0.2:8080", body["leader"])
}
