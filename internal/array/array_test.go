package array

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sysarray/internal/channel"
	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/types"
)

// peer is the remote end of a pipe whose other end was accepted by an array.
type peer struct {
	ch      *channel.PipeChannel
	sys     *system.System
	invokes chan *types.Invoke
}

func attach(t *testing.T, a *Array, name string, roles ...string) *peer {
	t.Helper()
	local, remote := channel.Pipe()
	p := &peer{ch: remote, invokes: make(chan *types.Invoke, 64)}
	remote.Listen(channel.HandlerFuncs{OnInvoke: func(inv *types.Invoke) { p.invokes <- inv }})

	s, err := a.Accept(local, &system.Descriptor{Name: name, Roles: roles})
	require.NoError(t, err)
	require.NotNil(t, s)
	p.sys = s
	return p
}

func (p *peer) next(t *testing.T) *types.Invoke {
	t.Helper()
	select {
	case inv := <-p.invokes:
		return inv
	case <-time.After(2 * time.Second):
		t.Fatal("peer received nothing")
		return nil
	}
}

func (p *peer) quiet(t *testing.T) {
	t.Helper()
	select {
	case inv := <-p.invokes:
		t.Fatalf("unexpected %s", inv)
	case <-time.After(30 * time.Millisecond):
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestArray_RoleRouting(t *testing.T) {
	a := New()
	defer a.Close()

	primes := attach(t, a, "p", "primes")
	sorter := attach(t, a, "s", "sort")

	role, err := a.GetRole("primes")
	require.NoError(t, err)
	require.NoError(t, role.SendData(types.NewInvoke("count")))

	assert.Equal(t, "count", primes.next(t).Listener)
	sorter.quiet(t)

	assert.Equal(t, []string{"primes", "sort"}, a.RoleNames())
	assert.Equal(t, 2, a.Len())
}

func TestArray_RoleNotFoundWithoutContactingPeers(t *testing.T) {
	a := New()
	defer a.Close()
	p := attach(t, a, "p", "primes")

	_, err := a.GetRole("missing")
	assert.ErrorIs(t, err, types.ErrRoleNotFound)

	err = a.Dispatch(context.Background(), ByRole("missing"), types.NewInvoke("x"))
	assert.ErrorIs(t, err, types.ErrRoleNotFound)
	p.quiet(t)
}

func TestArray_Broadcast(t *testing.T) {
	a := New()
	defer a.Close()

	assert.ErrorIs(t, a.SendData(types.NewInvoke("x")), types.ErrNoAvailablePeer)

	p1 := attach(t, a, "p1")
	p2 := attach(t, a, "p2")
	require.NoError(t, a.SendData(types.NewInvoke("all")))
	assert.Equal(t, "all", p1.next(t).Listener)
	assert.Equal(t, "all", p2.next(t).Listener)
}

func TestArray_RemovalBeforeNotification(t *testing.T) {
	log := &eventLog{}
	var a *Array
	var sawStale bool
	a = New(WithObserver(log), WithObserver(ObserverFunc(func(ev Event) {
		if ev.Kind != EventSystemErased {
			return
		}
		if _, ok := a.System(ev.SystemID); ok {
			sawStale = true
		}
		systems, _ := a.RoleSystems("primes")
		for _, s := range systems {
			if s.ID() == ev.SystemID {
				sawStale = true
			}
		}
	})))
	defer a.Close()

	disconnected := make(chan *system.System, 1)
	a.OnDisconnect(func(s *system.System, _ error) {
		_, stillThere := a.System(s.ID())
		assert.False(t, stillThere)
		disconnected <- s
	})

	p := attach(t, a, "p", "primes")
	require.NoError(t, p.ch.Close())

	select {
	case s := <-disconnected:
		assert.Equal(t, p.sys.ID(), s.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect")
	}

	assert.False(t, sawStale)
	assert.Equal(t, []EventKind{EventSystemInserted, EventRoleInserted, EventSystemErased, EventRoleErased}, log.kinds())

	// the role stays known but has nobody left
	role, err := a.GetRole("primes")
	require.NoError(t, err)
	assert.ErrorIs(t, role.SendData(types.NewInvoke("x")), types.ErrNoAvailablePeer)
	assert.Equal(t, []string{"primes"}, a.KnownRoles())
	assert.Empty(t, a.RoleNames())
}

func TestArray_RegisterRolesAnnouncement(t *testing.T) {
	a := New()
	defer a.Close()

	events := a.Watch(context.Background())
	p := attach(t, a, "p")

	announce := types.NewInvoke(types.ListenerRegisterRoles, types.StringParam("primes"), types.StringParam("sort"))
	require.NoError(t, p.ch.Send(announce))

	require.Eventually(t, func() bool {
		return len(a.RoleNames()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	systems, err := a.RoleSystems("sort")
	require.NoError(t, err)
	require.Len(t, systems, 1)
	assert.Equal(t, p.sys.ID(), systems[0].ID())

	assert.Equal(t, EventSystemInserted, (<-events).Kind)
	assert.Equal(t, EventRoleInserted, (<-events).Kind)
	assert.Equal(t, EventRoleInserted, (<-events).Kind)
}

func TestArray_RequestReply(t *testing.T) {
	a := New()
	defer a.Close()
	p := attach(t, a, "p", "primes")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := a.Request(ctx, p.sys, types.NewInvoke("count"))
	require.NoError(t, err)

	got := p.next(t)
	id, ok := got.ID()
	require.True(t, ok)
	assert.Equal(t, call.ID, id)

	// an unknown id is dropped
	require.NoError(t, p.ch.Send(types.NewReport(id+100, types.IntParam(0))))
	require.NoError(t, p.ch.Send(types.NewReport(id, types.IntParam(25))))

	reply, err := call.Wait(ctx)
	require.NoError(t, err)
	n, err := reply.IntAt(0)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
	assert.Equal(t, 0, a.InFlight())

	// a second report for a resolved id is ignored
	require.NoError(t, p.ch.Send(types.NewReport(id, types.IntParam(99))))
	time.Sleep(20 * time.Millisecond)
	reply, _ = call.Result()
	n, _ = reply.IntAt(0)
	assert.Equal(t, int64(25), n)
}

func TestArray_RequestRemoteError(t *testing.T) {
	a := New()
	defer a.Close()
	p := attach(t, a, "p")

	call, err := a.Request(context.Background(), p.sys, types.NewInvoke("fail"))
	require.NoError(t, err)

	id, _ := p.next(t).ID()
	require.NoError(t, p.ch.Send(types.NewReport(id, types.StringParam("bad input").WithName(types.ParamError))))

	_, err = call.Wait(context.Background())
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "bad input", remote.Message)
}

func TestArray_DisconnectFailsCalls(t *testing.T) {
	a := New()
	defer a.Close()
	p := attach(t, a, "p")

	call, err := a.Request(context.Background(), p.sys, types.NewInvoke("slow"))
	require.NoError(t, err)
	p.next(t)

	require.NoError(t, p.ch.Close())
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrConnection)
}

func TestArray_RequestContextCancel(t *testing.T) {
	a := New()
	defer a.Close()
	p := attach(t, a, "p")

	ctx, cancel := context.WithCancel(context.Background())
	call, err := a.Request(ctx, p.sys, types.NewInvoke("slow"))
	require.NoError(t, err)
	cancel()

	<-call.Done()
	_, err = call.Result()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.InFlight())
}

func TestArray_ConnectCollectsFailures(t *testing.T) {
	local, remote := channel.Pipe()
	defer remote.Close()

	good := channel.DialerFunc(func(context.Context, string) (channel.Channel, error) { return local, nil })
	bad := channel.DialerFunc(func(_ context.Context, address string) (channel.Channel, error) {
		return nil, types.NewConnectionError(address, errors.New("refused"))
	})

	a := New(
		WithDialer("good", good),
		WithDialer("bad", bad),
		WithPeers(
			system.Descriptor{Name: "down", Transport: "bad", Address: "10.0.0.1:1"},
			system.Descriptor{Name: "up", Transport: "good", Address: "10.0.0.2:1", Roles: []string{"primes"}},
			system.Descriptor{Name: "odd", Transport: "carrier-pigeon"},
		),
	)
	defer a.Close()

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Contains(t, err.Error(), "down")

	require.Equal(t, 1, a.Len())
	assert.Equal(t, "up", a.Systems()[0].Name())
	assert.Equal(t, system.Dialable, a.Systems()[0].Capability())
}

func TestArray_FactoryDeclines(t *testing.T) {
	a := New(WithFactory(func(*system.Descriptor, channel.Channel) *system.System { return nil }))
	defer a.Close()

	local, remote := channel.Pipe()
	s, err := a.Accept(local, &system.Descriptor{})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, channel.StateClosed, remote.State())
}

func TestArray_WatchClosesWithContext(t *testing.T) {
	a := New()
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events := a.Watch(ctx)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestArray_OpenTCP(t *testing.T) {
	a := New()
	defer a.Close()

	joined := make(chan *system.System, 1)
	a.OnJoin(func(s *system.System) { joined <- s })

	acc := channel.NewTCPAcceptor()
	require.NoError(t, a.Open(acc, "127.0.0.1:0"))

	ch, err := channel.TCPDialer{Timeout: time.Second}.Dial(context.Background(), acc.Addr())
	require.NoError(t, err)
	defer ch.Close()

	select {
	case s := <-joined:
		assert.Equal(t, system.Acceptable, s.Capability())
	case <-time.After(2 * time.Second):
		t.Fatal("nothing accepted")
	}

	require.NoError(t, ch.Send(types.NewInvoke(types.ListenerRegisterRoles, types.StringParam("primes"))))
	require.Eventually(t, func() bool {
		_, err := a.RoleSystems("primes")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// a second acceptor on the same address fails to bind
	assert.ErrorIs(t, a.Open(channel.NewTCPAcceptor(), acc.Addr()), types.ErrBind)
}

func TestArray_OnInvoke(t *testing.T) {
	a := New()
	defer a.Close()

	got := make(chan string, 1)
	a.OnInvoke(func(s *system.System, inv *types.Invoke) { got <- s.Name() + ":" + inv.Listener })

	p := attach(t, a, "p")
	require.NoError(t, p.ch.Send(types.NewInvoke("progress")))

	select {
	case v := <-got:
		assert.Equal(t, "p:progress", v)
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
}
