package matchmaking

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jason-s-yu/matchmaking/internal/backend/memory"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/lobby"
	"github.com/jason-s-yu/matchmaking/internal/models"
	"github.com/jason-s-yu/matchmaking/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
	joinDelay = time.Second
)

type mockSubscriber struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *mockSubscriber) handle(ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockSubscriber) count(t events.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (m *mockSubscriber) last(t events.EventType) events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Type == t {
			return m.events[i]
		}
	}
	return events.Event{}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testPeer struct {
	coord   *Coordinator
	lobby   *lobby.Orchestrator
	session *session.Orchestrator
	sub     *mockSubscriber
	clock   *clock.Mock
}

func setupTestPeer(t *testing.T, svc *memory.Service, name string, hostSessions bool) *testPeer {
	t.Helper()
	player, account := svc.NewAccount(name)
	gw := svc.Client(player)
	id := models.LocalIdentity{Player: player, Account: account}

	q := dispatch.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	bus := events.NewBus(quietLogger())
	mock := clock.NewMock()

	lob, err := lobby.New(lobby.Options{Gateway: gw, Identity: id, Queue: q, Bus: bus, Clock: mock, Logger: quietLogger()})
	require.NoError(t, err)
	sess, err := session.New(session.Options{Gateway: gw, Identity: id, Queue: q, Bus: bus, Logger: quietLogger()})
	require.NoError(t, err)
	coord, err := New(Options{
		Lobby:        lob,
		Session:      sess,
		Queue:        q,
		Bus:          bus,
		Clock:        mock,
		Logger:       quietLogger(),
		JoinDelayMin: joinDelay,
		JoinDelayMax: joinDelay,
		HostSessions: hostSessions,
	})
	require.NoError(t, err)

	// subscribed after the coordinator so a recorded event has already been handled by it
	sub := &mockSubscriber{}
	bus.Subscribe(sub.handle)

	t.Cleanup(func() {
		coord.Close()
		cancel()
	})
	return &testPeer{coord: coord, lobby: lob, session: sess, sub: sub, clock: mock}
}

func setupTestLobby(t *testing.T, svc *memory.Service, hostSessions bool) (*testPeer, *testPeer) {
	t.Helper()
	host := setupTestPeer(t, svc, "Host", hostSessions)
	guest := setupTestPeer(t, svc, "Guest", false)

	require.NoError(t, host.lobby.CreateLobby(models.LobbySettings{Name: "Match", MaxPlayers: 4}))
	require.Eventually(t, host.lobby.InLobby, waitFor, tick)
	require.NoError(t, guest.lobby.JoinLobby(host.lobby.LobbyID()))
	require.Eventually(t, guest.lobby.InLobby, waitFor, tick)
	require.Eventually(t, func() bool { return len(host.lobby.Members()) == 2 }, waitFor, tick)
	return host, guest
}

// advanceUntil moves the peer's clock forward until cond holds.
func (p *testPeer) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.clock.Add(joinDelay)
		return cond()
	}, waitFor, tick)
}

func TestOwnerJoinsExistingSessionAndGuestFollows(t *testing.T) {
	svc := memory.NewService(quietLogger())
	t.Cleanup(svc.Close)
	id := svc.CreateSessionRecord(session.DefaultBucket, "10.0.0.5", 8)
	host, guest := setupTestLobby(t, svc, false)

	require.NoError(t, guest.lobby.SetReady(true))
	require.NoError(t, host.lobby.SetReady(true))

	require.Eventually(t, func() bool { return host.sub.count(events.SessionJoined) == 1 }, waitFor, tick)
	assert.Equal(t, id, host.sub.last(events.SessionJoined).SessionID)
	require.Eventually(t, func() bool { return guest.sub.count(events.SessionAddressUpdated) == 1 }, waitFor, tick)
	assert.Equal(t, id, guest.sub.last(events.SessionAddressUpdated).Address)
	assert.True(t, guest.coord.JoinScheduled())
	assert.Zero(t, guest.sub.count(events.SessionJoined))

	guest.advanceUntil(t, func() bool { return guest.sub.count(events.SessionJoined) == 1 })
	assert.Equal(t, "10.0.0.5:7777", guest.sub.last(events.SessionJoined).Address)
	assert.Equal(t, 2, svc.SessionPlayers(id))
	assert.Equal(t, 2, svc.Calls(memory.OpSearchSessions), "owner bucket search plus guest lookup")

	require.Eventually(t, func() bool { return !host.lobby.Subscribed() && !guest.lobby.Subscribed() }, waitFor, tick)
	assert.False(t, guest.coord.JoinScheduled())
}

func TestOwnerHostsSession(t *testing.T) {
	svc := memory.NewService(quietLogger())
	t.Cleanup(svc.Close)
	host, guest := setupTestLobby(t, svc, true)

	require.NoError(t, host.lobby.SetReady(true))
	require.NoError(t, guest.lobby.SetReady(true))

	require.Eventually(t, func() bool { return host.sub.count(events.SessionCreated) == 1 }, waitFor, tick)
	id := host.sub.last(events.SessionCreated).SessionID
	require.Eventually(t, func() bool { return guest.lobby.SessionAddress() == id }, waitFor, tick)

	guest.advanceUntil(t, func() bool { return guest.sub.count(events.SessionJoined) == 1 })
	assert.Equal(t, id, guest.session.CurrentSessionID())
	assert.Equal(t, 1, svc.SessionPlayers(id))
	assert.Equal(t, 1, svc.Calls(memory.OpCreateSession))
	assert.Equal(t, 1, svc.Calls(memory.OpSearchSessions), "only the guest looks the session up")
}

func TestNewerAddressReplacesScheduledJoin(t *testing.T) {
	svc := memory.NewService(quietLogger())
	t.Cleanup(svc.Close)
	first := svc.CreateSessionRecord(session.DefaultBucket, "", 8)
	second := svc.CreateSessionRecord(session.DefaultBucket, "", 8)
	host, guest := setupTestLobby(t, svc, false)

	require.NoError(t, host.lobby.SetSessionAddress(first))
	require.Eventually(t, func() bool { return guest.sub.count(events.SessionAddressUpdated) == 1 }, waitFor, tick)
	require.NoError(t, host.lobby.SetSessionAddress(second))
	require.Eventually(t, func() bool { return guest.sub.count(events.SessionAddressUpdated) == 2 }, waitFor, tick)

	guest.advanceUntil(t, func() bool { return guest.sub.count(events.SessionJoined) == 1 })
	assert.Equal(t, second, guest.sub.last(events.SessionJoined).SessionID)
	assert.Zero(t, svc.SessionPlayers(first))
	assert.Equal(t, 1, svc.Calls(memory.OpJoinSession))
}

func TestOwnerIgnoresItsOwnAddress(t *testing.T) {
	svc := memory.NewService(quietLogger())
	t.Cleanup(svc.Close)
	id := svc.CreateSessionRecord(session.DefaultBucket, "", 8)
	host, _ := setupTestLobby(t, svc, false)

	require.NoError(t, host.lobby.SetSessionAddress(id))
	require.Eventually(t, func() bool { return host.sub.count(events.SessionAddressUpdated) == 1 }, waitFor, tick)
	assert.False(t, host.coord.JoinScheduled())
}

func TestCloseCancelsScheduledJoin(t *testing.T) {
	svc := memory.NewService(quietLogger())
	t.Cleanup(svc.Close)
	id := svc.CreateSessionRecord(session.DefaultBucket, "", 8)
	host, guest := setupTestLobby(t, svc, false)

	require.NoError(t, host.lobby.SetSessionAddress(id))
	require.Eventually(t, guest.coord.JoinScheduled, waitFor, tick)

	guest.coord.Close()
	assert.False(t, guest.coord.JoinScheduled())
	guest.clock.Add(5 * joinDelay)
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, svc.Calls(memory.OpJoinSession))
	assert.Zero(t, svc.SessionPlayers(id))
	assert.ErrorIs(t, guest.lobby.SetReady(true), lobby.ErrClosed)
	assert.ErrorIs(t, guest.session.JoinSessionByID(id), session.ErrClosed)
}

func TestLeavingLobbyCancelsScheduledJoin(t *testing.T) {
	svc := memory.NewService(quietLogger())
	t.Cleanup(svc.Close)
	id := svc.CreateSessionRecord(session.DefaultBucket, "", 8)
	host, guest := setupTestLobby(t, svc, false)

	require.NoError(t, host.lobby.SetSessionAddress(id))
	require.Eventually(t, guest.coord.JoinScheduled, waitFor, tick)

	require.NoError(t, guest.lobby.LeaveLobby())
	require.Eventually(t, func() bool { return guest.sub.count(events.LobbyLeft) == 1 }, waitFor, tick)
	assert.False(t, guest.coord.JoinScheduled())

	guest.clock.Add(5 * joinDelay)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, svc.Calls(memory.OpJoinSession))
}
