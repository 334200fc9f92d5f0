// Package obsr is the composition root of the replication engine: it
// wires a reactor.Loop, a storage.Table, and a learned-offset clock.Clock
// together behind the entry-level public surface named in spec.md §6
// (Get/Set/Delete/Listen plus network lifecycle). The object/child
// path-decomposition façade is a named non-goal and is not implemented
// here — callers operate on full paths directly.
package obsr

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tomtzook/obsr-go/internal/clock"
	"github.com/tomtzook/obsr-go/internal/handle"
	"github.com/tomtzook/obsr-go/internal/obsrerr"
	"github.com/tomtzook/obsr-go/internal/reactor"
	"github.com/tomtzook/obsr-go/internal/session"
	"github.com/tomtzook/obsr-go/internal/storage"
	"github.com/tomtzook/obsr-go/internal/value"
)

// Instance is a single network participant: either a server or a client,
// never both at once, matching spec.md §6's "one role per instance".
type Instance struct {
	loop    *reactor.Loop
	storage *storage.Table
	clk     *clock.Clock
	log     *zap.Logger

	server *session.Server
	client *session.Client
}

// New creates an Instance with its own reactor loop, storage table, and
// clock, and starts the loop's goroutine. Callers must eventually call
// StopNetwork to stop the loop goroutine; the loop's poller and signal
// file descriptors are not closed by it.
func New(log *zap.Logger) (*Instance, error) {
	poller, err := reactor.NewEpollPoller(64)
	if err != nil {
		return nil, err
	}
	signal, err := reactor.NewEventFDSignal()
	if err != nil {
		return nil, err
	}
	loop, err := reactor.New(poller, signal)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	tbl := storage.New(clk, storage.DefaultEntryCapacity)
	tbl.Listeners.Start()

	go loop.Run()

	return &Instance{loop: loop, storage: tbl, clk: clk, log: log}, nil
}

// StartServer binds addr and begins accepting peer connections, per
// spec.md §4.8. It is an error to call this after StartClient, or twice.
func (i *Instance) StartServer(addr string) error {
	if i.client != nil || i.server != nil {
		return obsrerr.New(obsrerr.KindConfig, "obsr.StartServer", nil)
	}
	srv := session.NewServer(i.loop, i.storage, i.clk, i.log)
	if err := srv.Start(addr); err != nil {
		return err
	}
	i.server = srv
	return nil
}

// StartClient begins dialing host:port and running the client session
// state machine of spec.md §4.7. It is an error to call this after
// StartServer, or twice.
func (i *Instance) StartClient(host string, port int) error {
	if i.client != nil || i.server != nil {
		return obsrerr.New(obsrerr.KindConfig, "obsr.StartClient", nil)
	}
	c := session.NewClient(i.loop, i.storage, i.clk, i.log)
	i.client = c
	c.Start(host, port)
	return nil
}

// StopNetwork tears down whichever role is active and stops the
// reactor loop. The Instance is not reusable afterward.
func (i *Instance) StopNetwork() {
	if i.server != nil {
		i.server.Stop()
		i.server = nil
	}
	if i.client != nil {
		i.client.Stop()
		i.client = nil
	}
	i.loop.Stop()
}

// Addr returns the server's bound listener address. Only meaningful
// after StartServer.
func (i *Instance) Addr() net.Addr {
	if i.server == nil {
		return nil
	}
	return i.server.Addr()
}

// ClientState returns the client session's current state. Only
// meaningful after StartClient; returns StateIdle otherwise.
func (i *Instance) ClientState() session.State {
	if i.client == nil {
		return session.StateIdle
	}
	return i.client.State()
}

// Time returns the instance's current clock-adjusted time in
// milliseconds, per spec.md §4.1.
func (i *Instance) Time() int64 {
	return i.clk.Now()
}

// Get returns path's current value, or an empty Value if it has never
// been set or has been deleted.
func (i *Instance) Get(path string) value.Value {
	h, ok := i.storage.HandleForPath(path)
	if !ok {
		return value.Empty()
	}
	v, err := i.storage.GetValue(h)
	if err != nil {
		return value.Empty()
	}
	return v
}

// Set creates path if absent and stores v, marking it dirty for
// replication per spec.md §4.4.
func (i *Instance) Set(path string, v value.Value) error {
	if err := storage.ValidatePath(path); err != nil {
		return err
	}
	h, err := i.storage.GetOrCreate(path)
	if err != nil {
		return err
	}
	return i.storage.SetValue(h, v)
}

// Delete tombstones path. A path with no descendants and no existing
// entry is a no-op.
func (i *Instance) Delete(path string) error {
	h, ok := i.storage.HandleForPath(path)
	if !ok {
		return nil
	}
	return i.storage.Delete(h)
}

// DeleteSubtree tombstones every entry whose path starts with prefix,
// firing one aggregate Deleted notification at prefix.
func (i *Instance) DeleteSubtree(prefix string) {
	i.storage.DeleteSubtree(prefix)
}

// Listen registers cb to be invoked for every Created/Deleted/
// ValueChanged event under prefix, per spec.md §4.5. The listener's
// creation timestamp is the current clock time, so only events stamped
// at or after registration are delivered; existing entries are not
// replayed.
func (i *Instance) Listen(prefix string, cb storage.Callback) (handle.Handle, error) {
	return i.storage.Listeners.Listen(prefix, i.clk.Now(), cb)
}

// Unlisten removes a previously registered listener.
func (i *Instance) Unlisten(h handle.Handle) error {
	return i.storage.Listeners.Unlisten(h)
}

// WaitActive blocks until the client session reaches StateActive or the
// timeout elapses, returning false on timeout. Intended for demos and
// tests, not library-internal logic.
func (i *Instance) WaitActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if i.ClientState() == session.StateActive {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
