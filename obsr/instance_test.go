package obsr

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomtzook/obsr-go/internal/storage"
	"github.com/tomtzook/obsr-go/internal/value"
)

func TestInstanceServerClientReplication(t *testing.T) {
	srv, err := New(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(srv.StopNetwork)
	require.NoError(t, srv.StartServer("127.0.0.1:0"))

	tcpAddr := srv.Addr().(*net.TCPAddr)

	cli, err := New(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(cli.StopNetwork)
	require.NoError(t, cli.StartClient("127.0.0.1", tcpAddr.Port))
	require.True(t, cli.WaitActive(3*time.Second))

	require.NoError(t, srv.Set("/robot/mode", value.NewInt32(2)))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		v := cli.Get("/robot/mode")
		if !v.IsEmpty() {
			i, ok := v.Int32()
			require.True(t, ok)
			require.Equal(t, int32(2), i)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("value never replicated to client")
}

func TestInstanceRejectsDualRole(t *testing.T) {
	i, err := New(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(i.StopNetwork)

	require.NoError(t, i.StartServer("127.0.0.1:0"))
	require.Error(t, i.StartClient("127.0.0.1", 1))
}

func TestInstanceListenReceivesLocalCreate(t *testing.T) {
	i, err := New(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(i.StopNetwork)

	events := make(chan storage.Event, 4)
	_, err = i.Listen("/robot", func(e storage.Event) {
		events <- e
	})
	require.NoError(t, err)

	require.NoError(t, i.Set("/robot/armed", value.NewBoolean(true)))

	select {
	case e := <-events:
		require.Equal(t, storage.EventCreated, e.Type)
		require.Equal(t, "/robot/armed", e.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never received created event")
	}
}

func TestInstanceGetMissingPathIsEmpty(t *testing.T) {
	i, err := New(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(i.StopNetwork)

	require.True(t, i.Get("/does/not/exist").IsEmpty())
}
