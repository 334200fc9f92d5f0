package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomtzook/obsr-go/internal/clock"
	"github.com/tomtzook/obsr-go/internal/reactor"
	"github.com/tomtzook/obsr-go/internal/storage"
	"github.com/tomtzook/obsr-go/internal/value"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func serverAddr(srv *Server) (string, int) {
	tcpAddr := srv.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcpAddr.Port
}

func newTestStorage(t *testing.T) *storage.Table {
	t.Helper()
	tbl := storage.New(clock.New(), storage.DefaultEntryCapacity)
	tbl.Listeners.Start()
	t.Cleanup(tbl.Listeners.Stop)
	return tbl
}

func waitForClientState(t *testing.T, c *Client, loop *reactor.Loop, want State) {
	t.Helper()
	waitFor(t, 3*time.Second, func() bool {
		var got State
		loop.Submit(func() { got = c.State() }, reactor.Sync)
		return got == want
	})
}

func TestServerPropagatesEntryBetweenTwoClients(t *testing.T) {
	srvLoop := newTestLoop(t)
	srvTbl := newTestStorage(t)
	srv := NewServer(srvLoop, srvTbl, clock.New(), zap.NewNop())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	host, port := serverAddr(srv)

	aTbl := newTestStorage(t)
	aLoop := newTestLoop(t)
	a := NewClient(aLoop, aTbl, clock.New(), zap.NewNop())
	a.Start(host, port)
	waitForClientState(t, a, aLoop, StateActive)

	bTbl := newTestStorage(t)
	bLoop := newTestLoop(t)
	b := NewClient(bLoop, bTbl, clock.New(), zap.NewNop())
	b.Start(host, port)
	waitForClientState(t, b, bLoop, StateActive)

	h, err := aTbl.GetOrCreate("/shared/value")
	require.NoError(t, err)
	require.NoError(t, aTbl.SetValue(h, value.NewInt32(99)))

	waitFor(t, 3*time.Second, func() bool {
		h2, ok := bTbl.HandleForPath("/shared/value")
		if !ok {
			return false
		}
		v, err := bTbl.GetValue(h2)
		if err != nil || v.IsEmpty() {
			return false
		}
		i, _ := v.Int32()
		return i == 99
	})
}

func TestServerRepublishesToLateJoiner(t *testing.T) {
	srvLoop := newTestLoop(t)
	srvTbl := newTestStorage(t)
	srv := NewServer(srvLoop, srvTbl, clock.New(), zap.NewNop())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	host, port := serverAddr(srv)

	aTbl := newTestStorage(t)
	aLoop := newTestLoop(t)
	a := NewClient(aLoop, aTbl, clock.New(), zap.NewNop())
	a.Start(host, port)
	waitForClientState(t, a, aLoop, StateActive)

	h, err := aTbl.GetOrCreate("/config/name")
	require.NoError(t, err)
	require.NoError(t, aTbl.SetValue(h, value.NewBoolean(true)))

	// give client A's 100ms drain time to send the EntryCreate and the
	// server time to allocate its net-id
	time.Sleep(300 * time.Millisecond)

	bTbl := newTestStorage(t)
	bLoop := newTestLoop(t)
	b := NewClient(bLoop, bTbl, clock.New(), zap.NewNop())
	b.Start(host, port)

	waitFor(t, 3*time.Second, func() bool {
		h2, ok := bTbl.HandleForPath("/config/name")
		if !ok {
			return false
		}
		v, err := bTbl.GetValue(h2)
		if err != nil || v.IsEmpty() {
			return false
		}
		bv, _ := v.Boolean()
		return bv
	})
}

func TestServerOriginLearnsOwnNetID(t *testing.T) {
	srvLoop := newTestLoop(t)
	srvTbl := newTestStorage(t)
	srv := NewServer(srvLoop, srvTbl, clock.New(), zap.NewNop())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	host, port := serverAddr(srv)

	aTbl := newTestStorage(t)
	aLoop := newTestLoop(t)
	a := NewClient(aLoop, aTbl, clock.New(), zap.NewNop())
	a.Start(host, port)
	waitForClientState(t, a, aLoop, StateActive)

	h, err := aTbl.GetOrCreate("/robot/armed")
	require.NoError(t, err)
	require.NoError(t, aTbl.SetValue(h, value.NewBoolean(false)))

	waitFor(t, 3*time.Second, func() bool {
		snap, err := aTbl.Snapshot(h)
		require.NoError(t, err)
		return snap.HasNetID()
	})
}
