// Package session implements the peer session state machines of
// spec.md §4.7/§4.8: the client's connect/handshake/active lifecycle
// and the server's per-peer accept/handshake/active lifecycle, both
// driven by a shared reactor.Loop so that storage mutations and frame
// dispatch never run concurrently with each other.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/tomtzook/obsr-go/internal/clock"
	"github.com/tomtzook/obsr-go/internal/outqueue"
	"github.com/tomtzook/obsr-go/internal/reactor"
	"github.com/tomtzook/obsr-go/internal/storage"
	"github.com/tomtzook/obsr-go/internal/wire"
)

// State is one of the client session's states, per spec.md §4.7.
type State int

// Connecting, HandshakeSyncing and HandshakeReporting are part of the
// state enumeration for observability/Probe parity, but this
// implementation's blocking dial and immediate-write transport never
// actually rest in them: a dial either completes or fails outright, and
// an immediate write over a blocking socket either succeeds or the
// connection is already dead.
const (
	StateIdle State = iota
	StateOpening
	StateConnecting
	StateHandshakeSyncing
	StateHandshakeSyncSent
	StateHandshakeReporting
	StateHandshaking
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateConnecting:
		return "connecting"
	case StateHandshakeSyncing:
		return "handshake_syncing"
	case StateHandshakeSyncSent:
		return "handshake_sync_sent"
	case StateHandshakeReporting:
		return "handshake_reporting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

const (
	dialTimeout    = 2 * time.Second
	syncPeriod     = 1 * time.Second
	activePeriod   = 100 * time.Millisecond
	noTimer        = -1
	ringCapacity   = 16 * 1024
	serializerSize = wire.MaxPayloadSize
)

// Client drives one connection to a server, per spec.md §4.7. All state
// transitions and storage draining happen on the reactor loop goroutine;
// only the blocking dial and read loop run on their own goroutines, and
// they hand control back to the loop via Submit before touching Client
// fields, matching the readLoop/writeLoop goroutine-pair pattern used
// for per-connection I/O in the teacher's transport layer.
type Client struct {
	loop    *reactor.Loop
	storage *storage.Table
	clk     *clock.Clock
	log     *zap.Logger

	host string
	port int

	state   State
	dialing bool
	conn    net.Conn
	queue   *outqueue.Queue
	ser     *wire.Serializer

	retryTimerID  int
	syncTimerID   int
	activeTimerID int
	retryBackoff  *backoff.ExponentialBackOff

	lastSyncSendWall int64
}

// NewClient creates a client session bound to loop, storing incoming
// state into tbl and timestamping with clk.
func NewClient(loop *reactor.Loop, tbl *storage.Table, clk *clock.Clock, log *zap.Logger) *Client {
	return &Client{
		loop:    loop,
		storage: tbl,
		clk:     clk,
		log:     log,
		state:   StateIdle,
		ser:     wire.NewSerializer(serializerSize),
		retryTimerID:  noTimer,
		syncTimerID:   noTimer,
		activeTimerID: noTimer,
		retryBackoff: &backoff.ExponentialBackOff{
			InitialInterval:     1 * time.Second,
			MaxInterval:         1 * time.Second,
			Multiplier:          1,
			RandomizationFactor: 0,
		},
	}
}

// State returns the client's current state. Safe to call from any
// goroutine only insofar as reads of a word-sized field are; callers
// wanting a consistent read should do so from within a loop.Submit.
func (c *Client) State() State {
	return c.state
}

// Start begins connecting to host:port, clearing any previously
// assigned net-ids (spec.md §4.7: a reconnect always restarts id
// negotiation from scratch) and entering Opening.
func (c *Client) Start(host string, port int) {
	c.loop.Submit(func() {
		c.host = host
		c.port = port
		c.storage.ClearNetIDs()
		c.clk.Reset()
		c.stopTimers()
		c.retryBackoff.Reset()
		c.enterOpening()
	}, reactor.Async)
}

// Stop tears down any active connection and returns to Idle.
func (c *Client) Stop() {
	c.loop.Submit(func() {
		c.teardownConn()
		c.stopTimers()
		c.state = StateIdle
	}, reactor.Async)
}

func (c *Client) enterOpening() {
	c.teardownConn()
	c.storage.ClearNetIDs()
	c.state = StateOpening
	c.attemptDial()
}

// attemptDial fires a non-blocking dial on its own goroutine and hands
// the result back to the loop goroutine via Submit.
func (c *Client) attemptDial() {
	if c.dialing {
		return
	}
	c.dialing = true
	host, port := c.host, c.port

	go func() {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), dialTimeout)
		c.loop.Submit(func() {
			c.dialing = false
			if c.state != StateOpening {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				c.scheduleRetry()
				return
			}
			c.onConnected(conn)
		}, reactor.Async)
	}()
}

func (c *Client) scheduleRetry() {
	if c.retryTimerID != noTimer {
		return
	}
	interval := c.retryBackoff.NextBackOff()
	c.retryTimerID = c.loop.CreateTimer(interval, func() {
		c.loop.StopTimer(c.retryTimerID)
		c.retryTimerID = noTimer
		c.attemptDial()
	})
}

func (c *Client) onConnected(conn net.Conn) {
	if c.retryTimerID != noTimer {
		c.loop.StopTimer(c.retryTimerID)
		c.retryTimerID = noTimer
	}
	c.retryBackoff.Reset()

	c.conn = conn
	c.queue = outqueue.New(connWriter{conn: conn})
	c.state = StateConnecting

	go c.readLoop(conn)
	c.sendTimeSyncRequest()
}

func (c *Client) sendTimeSyncRequest() {
	now := c.clk.Now()
	c.lastSyncSendWall = c.clk.WallMillis()

	c.ser.Reset()
	if !c.ser.TimeSyncRequest(now) {
		c.log.Error("failed to serialize time_sync_request")
		c.enterOpening()
		return
	}
	payload := append([]byte(nil), c.ser.Data()...)

	if c.state != StateActive {
		c.state = StateHandshakeSyncSent
	}
	if err := c.queue.Enqueue(wire.MessageTimeSyncRequest, payload, outqueue.FlagImmediate); err != nil {
		c.log.Debug("time sync send failed", zap.Error(err))
		c.enterOpening()
	}
}

// readLoop blocks reading frames off conn and hands each decoded frame
// to the loop goroutine for processing. It exits (and schedules a
// reconnect) on any read error, including EOF/hangup.
func (c *Client) readLoop(conn net.Conn) {
	reader := wire.NewFrameReader(ringCapacity)
	for {
		if _, err := reader.ReadFrom(conn); err != nil {
			c.loop.Submit(func() {
				if c.conn == conn {
					c.log.Debug("client connection lost", zap.Error(err))
					c.enterOpening()
				}
			}, reactor.Async)
			return
		}

		for {
			f, ferr := reader.Next()
			if ferr == wire.ErrNeedMore {
				break
			}
			if ferr != nil {
				c.log.Debug("frame decode error", zap.Error(ferr))
				continue
			}
			frame := f
			c.loop.Submit(func() {
				if c.conn == conn {
					c.handleFrame(frame)
				}
			}, reactor.Async)
		}
	}
}

func (c *Client) handleFrame(f *wire.Frame) {
	d, err := wire.Parse(f.Type, f.Payload)
	if err != nil {
		c.log.Debug("frame parse error", zap.Error(err))
		return
	}

	switch f.Type {
	case wire.MessageTimeSyncResponse:
		c.onTimeSyncResponse(d)
	case wire.MessageHandshakeFinished:
		c.onHandshakeFinished()
	case wire.MessageEntryCreate:
		if _, err := c.storage.ApplyRemoteCreate(d.Name, d.ID, d.Value, d.SendTime); err != nil {
			c.log.Debug("remote create rejected", zap.String("path", d.Name), zap.Error(err))
		}
	case wire.MessageEntryUpdate:
		if err := c.storage.ApplyRemoteUpdate(d.ID, d.Value, d.SendTime); err != nil {
			c.log.Debug("remote update rejected", zap.Uint16("id", d.ID), zap.Error(err))
		}
	case wire.MessageEntryDelete:
		if err := c.storage.ApplyRemoteDelete(d.ID, d.SendTime); err != nil {
			c.log.Debug("remote delete rejected", zap.Uint16("id", d.ID), zap.Error(err))
		}
	case wire.MessageEntryIDAssign:
		if _, err := c.storage.OnEntryIDAssigned(d.ID, d.Name); err != nil {
			c.log.Debug("id assign rejected", zap.String("path", d.Name), zap.Error(err))
		}
	default:
		c.log.Debug("unexpected message in client session", zap.Stringer("type", f.Type))
	}
}

func (c *Client) onTimeSyncResponse(d wire.Decoded) {
	localRecv := c.clk.WallMillis()
	c.clk.Sync(c.lastSyncSendWall, d.SendTime, d.SendTime, localRecv)

	switch c.state {
	case StateHandshakeSyncSent:
		if err := c.queue.Enqueue(wire.MessageHandshakeReady, nil, outqueue.FlagImmediate); err != nil {
			c.log.Debug("handshake_ready send failed", zap.Error(err))
			c.enterOpening()
			return
		}
		c.state = StateHandshaking
	case StateActive:
		// periodic re-sync while connected; nothing else to do here.
	}
}

func (c *Client) onHandshakeFinished() {
	c.state = StateActive
	if c.syncTimerID == noTimer {
		c.syncTimerID = c.loop.CreateTimer(syncPeriod, c.sendTimeSyncRequest)
	}
	if c.activeTimerID == noTimer {
		c.activeTimerID = c.loop.CreateTimer(activePeriod, c.drainAndFlush)
	}
}

// drainAndFlush walks the dirty set, translating each entry into the
// matching wire message: delete if tombstoned (dropped silently if
// never assigned a net-id, since the server never heard of it), create
// if unassigned, update otherwise. The client never allocates net-ids
// itself — EntryIdAssign from the server is the only source of them.
func (c *Client) drainAndFlush() {
	if c.state != StateActive {
		return
	}

	c.storage.DrainDirty(func(snap storage.Snapshot) bool {
		switch {
		case snap.IsDeleted():
			if !snap.HasNetID() {
				return true
			}
			return c.sendEntryDelete(snap)
		case !snap.HasNetID():
			return c.sendEntryCreate(snap)
		default:
			return c.sendEntryUpdate(snap)
		}
	})

	if err := c.queue.Flush(); err != nil {
		c.log.Debug("flush failed", zap.Error(err))
		c.enterOpening()
	}
}

func (c *Client) sendEntryCreate(snap storage.Snapshot) bool {
	c.ser.Reset()
	if !c.ser.EntryCreate(snap.LastUpdateMillis, storage.UnassignedNetID, snap.Path, snap.Value) {
		c.log.Error("failed to serialize entry_create", zap.String("path", snap.Path))
		return false
	}
	payload := append([]byte(nil), c.ser.Data()...)
	return c.queue.Enqueue(wire.MessageEntryCreate, payload, outqueue.FlagNone) == nil
}

func (c *Client) sendEntryUpdate(snap storage.Snapshot) bool {
	c.ser.Reset()
	if !c.ser.EntryUpdate(snap.LastUpdateMillis, snap.NetID, snap.Value) {
		c.log.Error("failed to serialize entry_update", zap.Uint16("id", snap.NetID))
		return false
	}
	payload := append([]byte(nil), c.ser.Data()...)
	return c.queue.Enqueue(wire.MessageEntryUpdate, payload, outqueue.FlagNone) == nil
}

func (c *Client) sendEntryDelete(snap storage.Snapshot) bool {
	c.ser.Reset()
	if !c.ser.EntryDelete(snap.LastUpdateMillis, snap.NetID) {
		c.log.Error("failed to serialize entry_delete", zap.Uint16("id", snap.NetID))
		return false
	}
	payload := append([]byte(nil), c.ser.Data()...)
	return c.queue.Enqueue(wire.MessageEntryDelete, payload, outqueue.FlagNone) == nil
}

func (c *Client) stopTimers() {
	if c.retryTimerID != noTimer {
		c.loop.StopTimer(c.retryTimerID)
		c.retryTimerID = noTimer
	}
	if c.syncTimerID != noTimer {
		c.loop.StopTimer(c.syncTimerID)
		c.syncTimerID = noTimer
	}
	if c.activeTimerID != noTimer {
		c.loop.StopTimer(c.activeTimerID)
		c.activeTimerID = noTimer
	}
}

func (c *Client) teardownConn() {
	c.stopTimers()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.queue = nil
}
