package rest

import (
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sysarray/internal/array"
	"yqhp/sysarray/internal/channel"
	"yqhp/sysarray/internal/mediator"
	"yqhp/sysarray/internal/parallel"
	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/types"
)

type fakePending []mediator.PendingInvocation

func (f fakePending) PendingInvocations() []mediator.PendingInvocation { return f }

func newTestArray(t *testing.T) *parallel.Array {
	t.Helper()
	a := parallel.New(array.New(), parallel.DefaultConfig())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func attach(t *testing.T, a *parallel.Array, name string, roles ...string) *system.System {
	t.Helper()
	local, _ := channel.Pipe()
	s, err := a.Accept(local, &system.Descriptor{Name: name, Transport: system.TransportPipe, Roles: roles})
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string, out any) int {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func TestHealthCheck(t *testing.T) {
	a := newTestArray(t)
	attach(t, a, "w1", "primes")
	server := NewServer(a, &Config{Node: "master-1"})

	for _, path := range []string{"/health", "/api/v1/health"} {
		var result HealthResponse
		assert.Equal(t, fiber.StatusOK, get(t, server, path, &result))
		assert.Equal(t, "healthy", result.Status)
		assert.Equal(t, "master-1", result.Node)
		assert.Equal(t, 1, result.Systems)
	}
}

func TestListSystems(t *testing.T) {
	a := newTestArray(t)
	w1 := attach(t, a, "w1", "primes")
	attach(t, a, "w2")
	w1.SetPerformanceIndex(0.5)
	server := NewServer(a, nil)

	var result SystemListResponse
	require.Equal(t, fiber.StatusOK, get(t, server, "/api/v1/systems", &result))
	require.Equal(t, 2, result.Total)

	first := result.Systems[0]
	assert.Equal(t, w1.ID(), first.ID)
	assert.Equal(t, "w1", first.Name)
	assert.Equal(t, "acceptable", first.Capability)
	assert.Equal(t, []string{"primes"}, first.Roles)
	assert.InDelta(t, 0.5, first.PerformanceIndex, 1e-9)
	assert.True(t, first.Connected)
	assert.Equal(t, []string{}, result.Systems[1].Roles)
}

func TestGetSystem(t *testing.T) {
	a := newTestArray(t)
	w1 := attach(t, a, "w1", "primes")
	server := NewServer(a, nil)

	var found SystemResponse
	assert.Equal(t, fiber.StatusOK, get(t, server, "/api/v1/systems/"+w1.ID(), &found))
	assert.Equal(t, "w1", found.Name)

	var missing ErrorResponse
	assert.Equal(t, fiber.StatusNotFound, get(t, server, "/api/v1/systems/nope", &missing))
	assert.Equal(t, "not_found", missing.Error)
}

func TestListRoles(t *testing.T) {
	a := newTestArray(t)
	attach(t, a, "w1", "primes", "sort")
	w2 := attach(t, a, "w2", "primes")
	server := NewServer(a, nil)

	var result RoleListResponse
	require.Equal(t, fiber.StatusOK, get(t, server, "/api/v1/roles", &result))
	require.Len(t, result.Roles, 2)
	assert.Equal(t, RoleResponse{Name: "primes", Systems: []string{"w1", "w2"}}, result.Roles[0])
	assert.Equal(t, "sort", result.Roles[1].Name)

	// a role whose last system left stays known but is no longer listed
	a.Remove(w2)
	a.Remove(attach(t, a, "w3", "merge"))

	result = RoleListResponse{}
	get(t, server, "/api/v1/roles", &result)
	assert.Contains(t, result.Known, "merge")
	for _, r := range result.Roles {
		assert.NotEqual(t, "merge", r.Name)
	}
}

func TestGetRole(t *testing.T) {
	a := newTestArray(t)
	w1 := attach(t, a, "w1", "primes")
	server := NewServer(a, nil)

	var role RoleResponse
	require.Equal(t, fiber.StatusOK, get(t, server, "/api/v1/roles/primes", &role))
	assert.Equal(t, []string{"w1"}, role.Systems)

	var unknown ErrorResponse
	assert.Equal(t, fiber.StatusNotFound, get(t, server, "/api/v1/roles/sort", &unknown))
	assert.Equal(t, string(types.ErrCodeRoleNotFound), unknown.Error)

	a.Remove(w1)
	var empty ErrorResponse
	assert.Equal(t, fiber.StatusServiceUnavailable, get(t, server, "/api/v1/roles/primes", &empty))
	assert.Equal(t, string(types.ErrCodeNoAvailablePeer), empty.Error)
}

func TestStatsAndPending(t *testing.T) {
	a := newTestArray(t)

	plain := NewServer(a, nil)
	var stats StatsResponse
	assert.Equal(t, fiber.StatusOK, get(t, plain, "/api/v1/stats", &stats))
	assert.Equal(t, uint64(0), stats.Rounds)

	var notMediator ErrorResponse
	assert.Equal(t, fiber.StatusNotFound, get(t, plain, "/api/v1/pending", &notMediator))
	assert.Equal(t, "error_404", notMediator.Error)

	pending := fakePending{{ID: 7, Listener: "count", CreatedAt: time.Now()}}
	med := NewServer(a, nil, WithPending(pending))

	var list PendingListResponse
	assert.Equal(t, fiber.StatusOK, get(t, med, "/api/v1/pending", &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, uint64(7), list.Pending[0].ID)

	stats = StatsResponse{}
	get(t, med, "/api/v1/stats", &stats)
	assert.Equal(t, 1, stats.Pending)
}

func TestEvents_RequiresUpgrade(t *testing.T) {
	server := NewServer(newTestArray(t), nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, get(t, server, "/api/v1/events", nil))
}

func TestEvents_StreamsTopologyChanges(t *testing.T) {
	a := newTestArray(t)
	server := NewServer(a, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/v1/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	// the watcher is registered asynchronously after the upgrade, so keep
	// joining systems until one of them is seen
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 100; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				local, _ := channel.Pipe()
				_, _ = a.Accept(local, &system.Descriptor{Name: "joiner", Roles: []string{"primes"}})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev array.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Contains(t, []array.EventKind{array.EventSystemInserted, array.EventRoleInserted}, ev.Kind)
	assert.False(t, ev.Time.IsZero())
}
