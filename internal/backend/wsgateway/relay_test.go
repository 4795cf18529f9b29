package wsgateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/matchmaking/internal/auth"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/backend/memory"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/lobby"
	"github.com/jason-s-yu/matchmaking/internal/middleware"
	"github.com/jason-s-yu/matchmaking/internal/models"
	"github.com/jason-s-yu/matchmaking/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

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

type testRelay struct {
	svc   *memory.Service
	srv   *httptest.Server
	wsURL string
}

func setupTestRelay(t *testing.T) *testRelay {
	t.Helper()
	svc := memory.NewService(quietLogger())
	keys, err := auth.NewKeys("", time.Hour)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(svc, keys, quietLogger()).Routes(mux)
	srv := httptest.NewServer(middleware.LogMiddleware(quietLogger())(mux))
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return &testRelay{svc: svc, srv: srv, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + WSPath}
}

type testPeer struct {
	id      models.LocalIdentity
	client  *Client
	lobby   *lobby.Orchestrator
	session *session.Orchestrator
	sub     *mockSubscriber
}

func (r *testRelay) connect(t *testing.T, name string) *testPeer {
	t.Helper()
	ctx := context.Background()
	login, err := DevLogin(ctx, r.srv.URL, name)
	require.NoError(t, err)
	client, err := Dial(ctx, r.wsURL, login.Token, quietLogger())
	require.NoError(t, err)

	q := dispatch.NewQueue()
	qctx, cancel := context.WithCancel(ctx)
	go q.Run(qctx)
	bus := events.NewBus(quietLogger())
	sub := &mockSubscriber{}
	bus.Subscribe(sub.handle)

	id := models.LocalIdentity{Player: login.Player, Account: login.ExternalAccount}
	lob, err := lobby.New(lobby.Options{
		Gateway:      client,
		Identity:     id,
		Queue:        q,
		Bus:          bus,
		Logger:       quietLogger(),
		PumpInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	sess, err := session.New(session.Options{Gateway: client, Identity: id, Queue: q, Bus: bus, Logger: quietLogger()})
	require.NoError(t, err)

	t.Cleanup(func() {
		lob.Close()
		sess.Close()
		cancel()
		client.Close()
	})
	return &testPeer{id: id, client: client, lobby: lob, session: sess, sub: sub}
}

func TestDevLoginValidation(t *testing.T) {
	r := setupTestRelay(t)

	resp, err := http.Post(r.srv.URL+DevLoginPath, "application/json", strings.NewReader(`{"display_name":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(r.srv.URL + DevLoginPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	login, err := DevLogin(context.Background(), r.srv.URL, "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, login.Token)
	assert.NotEmpty(t, login.Player)
	assert.NotEmpty(t, login.ExternalAccount)
}

func TestInvalidTokenIsRejected(t *testing.T) {
	r := setupTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, r.wsURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer not-a-token"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusInvalidToken, websocket.CloseStatus(err))
}

func TestHTTPBase(t *testing.T) {
	base, err := HTTPBase("ws://localhost:8090/backend/ws")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", base)

	base, err = HTTPBase("wss://relay.example.com/backend/ws?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", base)

	_, err = HTTPBase("ftp://nope")
	assert.Error(t, err)
}

func TestLobbyFlowOverRelay(t *testing.T) {
	r := setupTestRelay(t)
	host := r.connect(t, "Host")
	guest := r.connect(t, "Guest")

	require.NoError(t, host.lobby.CreateLobby(models.LobbySettings{Name: "Relay Room", Bucket: "relay", MaxPlayers: 4}))
	require.Eventually(t, host.lobby.InLobby, waitFor, tick)
	id := host.lobby.LobbyID()

	require.NoError(t, guest.lobby.SearchLobbies("relay"))
	require.Eventually(t, func() bool { return guest.sub.count(events.LobbiesFound) == 1 }, waitFor, tick)
	found := guest.sub.last(events.LobbiesFound).Lobbies
	require.Len(t, found, 1)
	assert.Equal(t, "Relay Room", found[0].LobbyName)

	require.NoError(t, guest.lobby.JoinLobby(id))
	require.Eventually(t, guest.lobby.InLobby, waitFor, tick)
	require.Eventually(t, func() bool { return len(host.lobby.Members()) == 2 }, waitFor, tick)

	require.Eventually(t, func() bool {
		return guest.lobby.Members()[host.id.Player].DisplayName == "Host" &&
			host.lobby.Members()[guest.id.Player].DisplayName == "Guest"
	}, waitFor, tick)
	assert.True(t, host.lobby.IsOwner())
	assert.False(t, guest.lobby.IsOwner())

	require.NoError(t, guest.lobby.SetReady(true))
	require.NoError(t, host.lobby.SetReady(true))
	require.Eventually(t, func() bool {
		return host.sub.count(events.AllPlayersReady) == 1 && guest.sub.count(events.AllPlayersReady) == 1
	}, waitFor, tick)

	require.NoError(t, host.lobby.SendChatMessage("hello"))
	require.Eventually(t, func() bool { return guest.sub.count(events.ChatMessageReceived) == 1 }, waitFor, tick)
	msg := guest.sub.last(events.ChatMessageReceived)
	assert.Equal(t, "Host", msg.Sender)
	assert.Equal(t, "hello", msg.Text)
	require.Eventually(t, func() bool {
		return r.svc.Client(guest.id.Player).Accepted(host.id.Player, lobby.ChatSocket)
	}, waitFor, tick)

	require.NoError(t, guest.lobby.LeaveLobby())
	require.Eventually(t, func() bool { return guest.sub.count(events.LobbyLeft) == 1 }, waitFor, tick)
	_, err := guest.client.CopyLobbyDetails(id)
	assert.Equal(t, backend.ResultNotFound, backend.ResultOf(err))
	require.Eventually(t, func() bool { return len(host.lobby.Members()) == 1 }, waitFor, tick)
}

func TestSessionJoinOverRelayReleasesHandles(t *testing.T) {
	r := setupTestRelay(t)
	id := r.svc.CreateSessionRecord(session.DefaultBucket, "10.0.0.7", 4)
	peer := r.connect(t, "Player")

	require.NoError(t, peer.session.SearchSessions(""))
	require.Eventually(t, func() bool { return peer.sub.count(events.SessionsFound) == 1 }, waitFor, tick)
	assert.Equal(t, 1, r.svc.OpenSessionHandles())

	require.NoError(t, peer.session.JoinSessionByID(id))
	require.Eventually(t, func() bool { return peer.sub.count(events.SessionJoined) == 1 }, waitFor, tick)
	assert.Equal(t, "10.0.0.7:7777", peer.sub.last(events.SessionJoined).Address)
	assert.Equal(t, 1, r.svc.SessionPlayers(id))
	require.Eventually(t, func() bool { return r.svc.OpenSessionHandles() == 0 }, waitFor, tick)
}

func TestPendingCallsFailWhenConnectionCloses(t *testing.T) {
	r := setupTestRelay(t)
	login, err := DevLogin(context.Background(), r.srv.URL, "Solo")
	require.NoError(t, err)
	client, err := Dial(context.Background(), r.wsURL, login.Token, quietLogger())
	require.NoError(t, err)

	results := make(chan backend.Result, 2)
	r.svc.Pause()
	client.CreateLobby(backend.CreateLobbyOptions{MaxMembers: 2}, nil, func(info backend.LobbyCallbackInfo) {
		results <- info.Result
	})
	require.Eventually(t, func() bool { return r.svc.Calls(memory.OpCreateLobby) == 1 }, waitFor, tick)

	client.Close()
	r.svc.Resume()

	select {
	case res := <-results:
		assert.Equal(t, backend.ResultNoConnection, res)
	case <-time.After(waitFor):
		t.Fatal("pending call never completed")
	}

	client.SearchLobbies(backend.LobbySearch{}, nil, func(info backend.LobbySearchCallbackInfo) {
		results <- info.Result
	})
	assert.Equal(t, backend.ResultNoConnection, <-results)
	assert.Error(t, client.SendPacket(backend.OutboundPacket{To: "x", SocketName: "CHAT", Data: []byte("hi")}))
}
