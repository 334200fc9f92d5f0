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
	"github.com/tomtzook/obsr-go/internal/wire"
)

func newTestLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	poller, err := reactor.NewEpollPoller(32)
	require.NoError(t, err)
	signal, err := reactor.NewEventFDSignal()
	require.NoError(t, err)
	l, err := reactor.New(poller, signal)
	require.NoError(t, err)
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func newTestClient(t *testing.T) (*Client, *storage.Table, *reactor.Loop) {
	t.Helper()
	loop := newTestLoop(t)
	tbl := storage.New(clock.New(), storage.DefaultEntryCapacity)
	tbl.Listeners.Start()
	t.Cleanup(tbl.Listeners.Stop)
	c := NewClient(loop, tbl, clock.New(), zap.NewNop())
	return c, tbl, loop
}

// fakeServer wraps a listener's single accepted connection with frame
// read/write helpers, standing in for the peer side of the handshake.
type fakeServer struct {
	ln   net.Listener
	conn net.Conn

	reader *wire.FrameReader
	writer *wire.FrameWriter
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeServer{ln: ln, writer: wire.NewFrameWriter()}
}

func (s *fakeServer) addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (s *fakeServer) accept(t *testing.T) {
	t.Helper()
	conn, err := s.ln.Accept()
	require.NoError(t, err)
	s.conn = conn
	s.reader = wire.NewFrameReader(16 * 1024)
}

func (s *fakeServer) readFrame(t *testing.T) *wire.Frame {
	t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		f, err := s.reader.Next()
		if err == nil {
			return f
		}
		require.ErrorIs(t, err, wire.ErrNeedMore)
		_, err = s.reader.ReadFrom(s.conn)
		require.NoError(t, err)
	}
}

func (s *fakeServer) send(t *testing.T, msgType wire.MessageType, payload []byte) {
	t.Helper()
	frame, err := s.writer.Encode(msgType, payload)
	require.NoError(t, err)
	_, err = s.conn.Write(frame)
	require.NoError(t, err)
}

func (s *fakeServer) close() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.ln.Close()
}

// runHandshake drives the fake server through the full client handshake
// and returns once the client has sent HandshakeReady.
func (s *fakeServer) runHandshake(t *testing.T) {
	t.Helper()
	req := s.readFrame(t)
	require.Equal(t, wire.MessageTimeSyncRequest, req.Type)
	d, err := wire.Parse(req.Type, req.Payload)
	require.NoError(t, err)

	ser := wire.NewSerializer(wire.MaxPayloadSize)
	ser.Reset()
	require.True(t, ser.TimeSyncResponse(time.Now().UnixMilli(), d.SendTime))
	s.send(t, wire.MessageTimeSyncResponse, append([]byte(nil), ser.Data()...))

	ready := s.readFrame(t)
	require.Equal(t, wire.MessageHandshakeReady, ready.Type)

	s.send(t, wire.MessageHandshakeFinished, nil)
}

func waitForState(t *testing.T, c *Client, loop *reactor.Loop, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var got State
		loop.Submit(func() { got = c.State() }, reactor.Sync)
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s", want)
}

func TestClientConnectsAndCompletesHandshake(t *testing.T) {
	c, _, loop := newTestClient(t)
	srv := newFakeServer(t)
	defer srv.close()

	host, port := srv.addr()
	c.Start(host, port)
	srv.accept(t)
	srv.runHandshake(t)

	waitForState(t, c, loop, StateActive)
}

func TestClientAppliesRemoteEntryCreate(t *testing.T) {
	c, tbl, loop := newTestClient(t)
	srv := newFakeServer(t)
	defer srv.close()

	host, port := srv.addr()
	c.Start(host, port)
	srv.accept(t)
	srv.runHandshake(t)
	waitForState(t, c, loop, StateActive)

	ser := wire.NewSerializer(wire.MaxPayloadSize)
	ser.Reset()
	require.True(t, ser.EntryCreate(time.Now().UnixMilli(), 7, "/robot/speed", value.NewInt32(42)))
	srv.send(t, wire.MessageEntryCreate, append([]byte(nil), ser.Data()...))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, ok := tbl.HandleForPath("/robot/speed")
		if ok {
			v, err := tbl.GetValue(h)
			require.NoError(t, err)
			if !v.IsEmpty() {
				i, _ := v.Int32()
				require.Equal(t, int32(42), i)
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("remote entry_create was never applied")
}

func TestClientSendsLocalCreateAfterHandshake(t *testing.T) {
	c, tbl, loop := newTestClient(t)
	srv := newFakeServer(t)
	defer srv.close()

	host, port := srv.addr()
	c.Start(host, port)
	srv.accept(t)
	srv.runHandshake(t)
	waitForState(t, c, loop, StateActive)

	h, err := tbl.GetOrCreate("/robot/enabled")
	require.NoError(t, err)
	require.NoError(t, tbl.SetValue(h, value.NewBoolean(true)))

	f := srv.readFrame(t)
	require.Equal(t, wire.MessageEntryCreate, f.Type)
	d, err := wire.Parse(f.Type, f.Payload)
	require.NoError(t, err)
	require.Equal(t, "/robot/enabled", d.Name)
	require.Equal(t, uint16(storage.UnassignedNetID), d.ID)
	b, ok := d.Value.Boolean()
	require.True(t, ok)
	require.True(t, b)
}

func TestClientReconnectsAfterConnectionDrop(t *testing.T) {
	c, _, loop := newTestClient(t)
	srv := newFakeServer(t)
	defer srv.close()

	host, port := srv.addr()
	c.Start(host, port)
	srv.accept(t)
	srv.runHandshake(t)
	waitForState(t, c, loop, StateActive)

	srv.conn.Close()

	srv.accept(t)
	srv.runHandshake(t)
	waitForState(t, c, loop, StateActive)
}
