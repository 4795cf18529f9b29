package memory

import (
	"testing"
	"time"

	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// await runs call and blocks until its completion arrives.
func await[T any](t *testing.T, call func(cb func(T))) T {
	t.Helper()
	ch := make(chan T, 1)
	call(func(info T) { ch <- info })
	select {
	case info := <-ch:
		return info
	case <-time.After(waitFor):
		t.Fatal("completion never delivered")
	}
	var zero T
	return zero
}

func createLobby(t *testing.T, c *Client, bucket string, max int) string {
	t.Helper()
	info := await(t, func(cb func(backend.LobbyCallbackInfo)) {
		c.CreateLobby(backend.CreateLobbyOptions{MaxMembers: max, BucketID: bucket}, nil, cb)
	})
	require.Equal(t, backend.ResultSuccess, info.Result)
	return info.LobbyID
}

func joinLobby(t *testing.T, c *Client, id string) backend.Result {
	t.Helper()
	found := await(t, func(cb func(backend.LobbySearchCallbackInfo)) {
		c.SearchLobbies(backend.LobbySearch{LobbyID: id, MaxResults: 1}, nil, cb)
	})
	if !found.Result.OK() {
		return found.Result
	}
	require.Len(t, found.Results, 1)
	info := await(t, func(cb func(backend.LobbyCallbackInfo)) {
		c.JoinLobby(found.Results[0], nil, cb)
	})
	return info.Result
}

func TestSearchFiltersByBucketAndCapsResults(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	host := svc.Client("host")

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, createLobby(t, svc.Client(backend.PlayerHandle("h"+string(rune('a'+i)))), "B1", 4))
	}
	createLobby(t, host, "B2", 4)

	res := await(t, func(cb func(backend.LobbySearchCallbackInfo)) {
		host.SearchLobbies(backend.LobbySearch{BucketID: "B1", MaxResults: 2}, "ctx", cb)
	})
	require.Equal(t, backend.ResultSuccess, res.Result)
	assert.Equal(t, "ctx", res.ClientData)
	require.Len(t, res.Results, 2)
	assert.Equal(t, ids[0], res.Results[0].Info().LobbyID)
	assert.Equal(t, ids[1], res.Results[1].Info().LobbyID)
	assert.Equal(t, "B1", res.Results[0].Info().BucketID)
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	owner, guest := svc.Client("owner"), svc.Client("guest")

	got := make(chan backend.Notification, 4)
	owner.AddNotify(backend.NotifyMemberStatus, func(n backend.Notification) { got <- n })

	id := createLobby(t, owner, "B", 2)
	require.Equal(t, backend.ResultSuccess, joinLobby(t, guest, id))

	select {
	case n := <-got:
		assert.Equal(t, backend.MemberJoined, n.Status)
		assert.Equal(t, backend.PlayerHandle("guest"), n.TargetUser)
	case <-time.After(waitFor):
		t.Fatal("no member status notification")
	}

	assert.Equal(t, backend.ResultLimitExceeded, joinLobby(t, svc.Client("third"), id))
}

func TestOwnerLeavingPromotesNextMember(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	owner, guest := svc.Client("owner"), svc.Client("guest")
	id := createLobby(t, owner, "B", 4)
	require.Equal(t, backend.ResultSuccess, joinLobby(t, guest, id))

	info := await(t, func(cb func(backend.LobbyCallbackInfo)) { owner.LeaveLobby(id, nil, cb) })
	require.Equal(t, backend.ResultSuccess, info.Result)

	d, err := guest.CopyLobbyDetails(id)
	require.NoError(t, err)
	assert.Equal(t, backend.PlayerHandle("guest"), d.Info().OwnerID)

	_, err = owner.CopyLobbyDetails(id)
	assert.Equal(t, backend.ResultNotFound, backend.ResultOf(err))
}

func TestOnlyOwnerWritesLobbyAttributes(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	owner, guest := svc.Client("owner"), svc.Client("guest")
	id := createLobby(t, owner, "B", 4)
	require.Equal(t, backend.ResultSuccess, joinLobby(t, guest, id))

	attr := backend.StringAttribute("session_address", "A", backend.VisibilityPublic)
	res := await(t, func(cb func(backend.LobbyCallbackInfo)) { guest.SetLobbyAttribute(id, attr, nil, cb) })
	assert.Equal(t, backend.ResultNotOwner, res.Result)

	res = await(t, func(cb func(backend.LobbyCallbackInfo)) { owner.SetLobbyAttribute(id, attr, nil, cb) })
	require.Equal(t, backend.ResultSuccess, res.Result)

	d, err := guest.CopyLobbyDetails(id)
	require.NoError(t, err)
	got, ok := backend.FindAttribute(d.Attributes(), "session_address")
	require.True(t, ok)
	assert.Equal(t, "A", got.AsString)
}

func TestFailNextIsConsumedOnce(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	c := svc.Client("p")
	svc.FailNext(OpCreateLobby, backend.ResultTimedOut)

	res := await(t, func(cb func(backend.LobbyCallbackInfo)) {
		c.CreateLobby(backend.CreateLobbyOptions{MaxMembers: 2}, nil, cb)
	})
	assert.Equal(t, backend.ResultTimedOut, res.Result)
	createLobby(t, c, "", 2)
	assert.Equal(t, 2, svc.Calls(OpCreateLobby))
}

func TestSessionHandlesAreCounted(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	c := svc.Client("p")
	id := svc.CreateSessionRecord("GameSession", "10.0.0.5", 4)

	res := await(t, func(cb func(backend.SessionSearchCallbackInfo)) {
		c.SearchSessions(backend.SessionSearch{BucketID: "GameSession"}, nil, cb)
	})
	require.Len(t, res.Results, 1)
	assert.Equal(t, 1, svc.OpenSessionHandles())

	join := await(t, func(cb func(backend.SessionCallbackInfo)) {
		c.JoinSession(res.Results[0], "MyGameSession", nil, cb)
	})
	require.Equal(t, backend.ResultSuccess, join.Result)
	assert.Equal(t, id, join.SessionID)

	again := await(t, func(cb func(backend.SessionCallbackInfo)) {
		c.JoinSession(res.Results[0], "MyGameSession", nil, cb)
	})
	assert.Equal(t, backend.ResultSessionAlreadyExists, again.Result)

	res.Results[0].Release()
	res.Results[0].Release()
	assert.Equal(t, 0, svc.OpenSessionHandles())
	assert.Equal(t, 1, svc.SessionPlayers(id))
}

func TestPacketsQueueAndRequestConnection(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	a, b := svc.Client("a"), svc.Client("b")

	requests := make(chan backend.Notification, 1)
	b.AddNotify(backend.NotifyPeerConnectionRequest, func(n backend.Notification) { requests <- n })

	require.NoError(t, a.SendPacket(backend.OutboundPacket{To: "b", SocketName: "CHAT", Data: []byte("hi")}))
	require.NoError(t, a.SendPacket(backend.OutboundPacket{To: "b", SocketName: "CHAT", Data: []byte("there")}))

	select {
	case n := <-requests:
		assert.Equal(t, backend.PlayerHandle("a"), n.TargetUser)
		require.NoError(t, b.AcceptConnection(n.TargetUser, n.SocketName))
	case <-time.After(waitFor):
		t.Fatal("no connection request")
	}

	size, ok := b.NextPacketSize()
	require.True(t, ok)
	assert.Equal(t, 2, size)
	pkt, err := b.ReceivePacket(backend.MaxPacketSize)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pkt.Data))
	pkt, err = b.ReceivePacket(backend.MaxPacketSize)
	require.NoError(t, err)
	assert.Equal(t, "there", string(pkt.Data))

	_, ok = b.NextPacketSize()
	assert.False(t, ok)

	err = a.SendPacket(backend.OutboundPacket{To: "b", SocketName: "CHAT", Data: make([]byte, backend.MaxPacketSize+1)})
	assert.Equal(t, backend.ResultLimitExceeded, backend.ResultOf(err))
}

func TestPauseHoldsDelivery(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	svc.RegisterAccount("p", "ext-p", "Pat")
	c := svc.Client("p")

	svc.Pause()
	ch := make(chan backend.ExternalAccountCallbackInfo, 1)
	c.ResolveExternalAccount("p", nil, func(info backend.ExternalAccountCallbackInfo) { ch <- info })

	select {
	case <-ch:
		t.Fatal("delivered while paused")
	case <-time.After(50 * time.Millisecond):
	}

	svc.Resume()
	select {
	case info := <-ch:
		assert.Equal(t, backend.ExternalAccountID("ext-p"), info.Account)
	case <-time.After(waitFor):
		t.Fatal("not delivered after resume")
	}
}

func TestNotificationsDeliverInRegistrationOrder(t *testing.T) {
	svc := NewService(nil)
	defer svc.Close()
	owner := svc.Client("owner")
	id := createLobby(t, owner, "B1", 4)

	got := make(chan int, 8)
	register := func(n int) backend.NotificationID {
		return owner.AddNotify(backend.NotifyLobbyUpdate, func(backend.Notification) { got <- n })
	}
	// churn the id space so removed registrations leave gaps
	for i := 0; i < 5; i++ {
		owner.RemoveNotify(register(-1))
	}
	register(1)
	second := register(2)
	register(3)
	owner.RemoveNotify(second)

	svc.Renotify(id, backend.NotifyLobbyUpdate, "")

	var order []int
	for len(order) < 2 {
		select {
		case n := <-got:
			order = append(order, n)
		case <-time.After(waitFor):
			t.Fatalf("got %v", order)
		}
	}
	assert.Equal(t, []int{1, 3}, order)
	assert.Equal(t, 2, owner.ActiveNotifications(backend.NotifyLobbyUpdate))
}
