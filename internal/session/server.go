package session

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomtzook/obsr-go/internal/clock"
	"github.com/tomtzook/obsr-go/internal/outqueue"
	"github.com/tomtzook/obsr-go/internal/reactor"
	"github.com/tomtzook/obsr-go/internal/storage"
	"github.com/tomtzook/obsr-go/internal/wire"
)

// PeerState is one server-side peer session's state, per spec.md §4.8.
type PeerState int

const (
	PeerConnected PeerState = iota
	PeerInHandshake
	PeerActive
)

const serverTickPeriod = 200 * time.Millisecond

// peer is one accepted connection: its queue and the set of net-ids it
// has been told about, so a publish precedes the first message it
// would otherwise not be able to interpret.
type peer struct {
	id    uint64
	conn  net.Conn
	queue *outqueue.Queue
	state PeerState
	known map[uint16]bool
}

func (p *peer) isKnown(netID uint16) bool { return p.known[netID] }
func (p *peer) markKnown(netID uint16)    { p.known[netID] = true }

// Server accepts peer connections, assigns monotonic net-ids, and
// fans mutations out to every other connected peer, per spec.md §4.8.
// All peer/storage mutation happens on the reactor loop goroutine;
// Start's accept loop and each peer's read loop run on their own
// goroutines and hand control back via Submit, the same pattern used
// by Client's dial and read loops.
type Server struct {
	loop    *reactor.Loop
	storage *storage.Table
	clk     *clock.Clock
	log     *zap.Logger
	ser     *wire.Serializer

	ln net.Listener

	peers      map[uint64]*peer
	nextPeerID uint64

	// assignments records every net-id ever handed out and the path it
	// names, mirroring the original's m_id_assignments: a peer's
	// handshake republish walks *this*, not the live entry table, so a
	// since-deleted entry's id is still offered to a newly-joining peer.
	assignments map[uint16]string

	tickTimerID int
}

// NewServer creates a server session bound to loop, backed by tbl for
// storage state and clk for timestamping outgoing messages.
func NewServer(loop *reactor.Loop, tbl *storage.Table, clk *clock.Clock, log *zap.Logger) *Server {
	return &Server{
		loop:        loop,
		storage:     tbl,
		clk:         clk,
		log:         log,
		ser:         wire.NewSerializer(serializerSize),
		peers:       make(map[uint64]*peer),
		assignments: make(map[uint16]string),
		tickTimerID: noTimer,
	}
}

// Start binds addr and begins accepting peers.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	var ready sync.WaitGroup
	ready.Add(1)
	s.loop.Submit(func() {
		s.storage.ClearNetIDs()
		s.nextPeerID = 0
		s.assignments = make(map[uint16]string)
		if s.tickTimerID == noTimer {
			s.tickTimerID = s.loop.CreateTimer(serverTickPeriod, s.tick)
		}
		ready.Done()
	}, reactor.Sync)
	ready.Wait()

	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every peer connection.
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.loop.Submit(func() {
		if s.tickTimerID != noTimer {
			s.loop.StopTimer(s.tickTimerID)
			s.tickTimerID = noTimer
		}
		for _, p := range s.peers {
			p.conn.Close()
		}
		s.peers = make(map[uint64]*peer)
	}, reactor.Async)
}

// Addr returns the bound listener address, once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.loop.Submit(func() { s.onAccepted(conn) }, reactor.Async)
	}
}

func (s *Server) onAccepted(conn net.Conn) {
	id := s.nextPeerID
	s.nextPeerID++

	p := &peer{
		id:    id,
		conn:  conn,
		queue: outqueue.New(connWriter{conn: conn}),
		state: PeerConnected,
		known: make(map[uint16]bool),
	}
	s.peers[id] = p

	go s.readLoopForPeer(p)
}

func (s *Server) readLoopForPeer(p *peer) {
	reader := wire.NewFrameReader(ringCapacity)
	for {
		if _, err := reader.ReadFrom(p.conn); err != nil {
			s.loop.Submit(func() { s.onPeerClosed(p, err) }, reactor.Async)
			return
		}

		for {
			f, ferr := reader.Next()
			if ferr == wire.ErrNeedMore {
				break
			}
			if ferr != nil {
				s.log.Debug("frame decode error from peer", zap.Uint64("peer", p.id), zap.Error(ferr))
				continue
			}
			frame := f
			s.loop.Submit(func() {
				if s.peers[p.id] == p {
					s.handlePeerFrame(p, frame)
				}
			}, reactor.Async)
		}
	}
}

func (s *Server) onPeerClosed(p *peer, err error) {
	if s.peers[p.id] != p {
		return
	}
	s.log.Debug("peer disconnected", zap.Uint64("peer", p.id), zap.Error(err))
	delete(s.peers, p.id)
	p.conn.Close()
}

func (s *Server) handlePeerFrame(p *peer, f *wire.Frame) {
	d, err := wire.Parse(f.Type, f.Payload)
	if err != nil {
		s.log.Debug("frame parse error from peer", zap.Uint64("peer", p.id), zap.Error(err))
		return
	}

	switch f.Type {
	case wire.MessageTimeSyncRequest:
		if p.state == PeerConnected {
			p.state = PeerInHandshake
		}
		s.onTimeSyncRequest(p, d)
	case wire.MessageHandshakeReady:
		s.onHandshakeReady(p)
	case wire.MessageEntryCreate:
		s.onEntryCreate(p, d)
	case wire.MessageEntryUpdate:
		s.onEntryUpdate(p, d)
	case wire.MessageEntryDelete:
		s.onEntryDelete(p, d)
	default:
		s.log.Debug("unexpected message in server session", zap.Uint64("peer", p.id), zap.Stringer("type", f.Type))
	}

	if err := p.queue.Flush(); err != nil {
		s.log.Debug("flush failed for peer", zap.Uint64("peer", p.id), zap.Error(err))
		s.onPeerClosed(p, err)
	}
}

func (s *Server) onTimeSyncRequest(p *peer, d wire.Decoded) {
	now := s.clk.Now()
	s.ser.Reset()
	if !s.ser.TimeSyncResponse(now, d.SendTime) {
		s.log.Error("failed to serialize time_sync_response", zap.Uint64("peer", p.id))
		return
	}
	payload := append([]byte(nil), s.ser.Data()...)
	if err := p.queue.Enqueue(wire.MessageTimeSyncResponse, payload, outqueue.FlagImmediate); err != nil {
		s.onPeerClosed(p, err)
	}
}

// onHandshakeReady implements handle_do_handshake_for_client: walk
// every net-id ever assigned, publish (EntryIdAssign) any the peer
// doesn't already know, and follow with the live value if one is
// available — a tombstoned or just-created entry contributes no value
// frame during the handshake, matching get_entry_value_from_id.
func (s *Server) onHandshakeReady(p *peer) {
	now := s.clk.Now()
	for netID, path := range s.assignments {
		if p.isKnown(netID) {
			continue
		}
		s.publish(p, netID, path)

		snap, ok := s.storage.SnapshotByNetID(netID)
		if !ok || snap.IsCreated() || snap.IsDeleted() {
			continue
		}

		s.ser.Reset()
		if !s.ser.EntryUpdate(now, netID, snap.Value) {
			continue
		}
		_ = p.queue.Enqueue(wire.MessageEntryUpdate, append([]byte(nil), s.ser.Data()...), outqueue.FlagNone)
	}

	_ = p.queue.Enqueue(wire.MessageHandshakeFinished, nil, outqueue.FlagImmediate)
	p.state = PeerActive
}

// publish sends an EntryIdAssign for netID/path to p and marks it known.
func (s *Server) publish(p *peer, netID uint16, path string) {
	s.ser.Reset()
	if !s.ser.EntryIDAssign(netID, path) {
		s.log.Error("failed to serialize entry_id_assign", zap.Uint16("id", netID))
		return
	}
	_ = p.queue.Enqueue(wire.MessageEntryIDAssign, append([]byte(nil), s.ser.Data()...), outqueue.FlagNone)
	p.markKnown(netID)
}

func (s *Server) onEntryCreate(p *peer, d wire.Decoded) {
	netID := d.ID
	if netID == storage.UnassignedNetID {
		id, err := s.allocateNetID(d.Name)
		if err != nil {
			s.log.Error("net-id space exhausted", zap.Error(err))
			return
		}
		netID = id

		// The origin is skipped in the broadcast below (it is the
		// message's source) and would otherwise never learn the id the
		// server just allocated for its own entry; tell it directly.
		s.publish(p, netID, d.Name)
	}

	if _, err := s.storage.ApplyRemoteCreate(d.Name, netID, d.Value, d.SendTime); err != nil {
		s.log.Debug("remote create rejected", zap.String("path", d.Name), zap.Error(err))
		return
	}

	s.ser.Reset()
	if !s.ser.EntryCreate(d.SendTime, netID, d.Name, d.Value) {
		s.log.Error("failed to serialize entry_create broadcast", zap.String("path", d.Name))
		return
	}
	payload := append([]byte(nil), s.ser.Data()...)
	s.broadcastExcept(p.id, wire.MessageEntryCreate, payload, netID)
}

func (s *Server) onEntryUpdate(p *peer, d wire.Decoded) {
	if err := s.storage.ApplyRemoteUpdate(d.ID, d.Value, d.SendTime); err != nil {
		s.log.Debug("remote update rejected", zap.Uint16("id", d.ID), zap.Error(err))
		return
	}

	s.ser.Reset()
	if !s.ser.EntryUpdate(d.SendTime, d.ID, d.Value) {
		s.log.Error("failed to serialize entry_update broadcast", zap.Uint16("id", d.ID))
		return
	}
	payload := append([]byte(nil), s.ser.Data()...)
	s.broadcastExcept(p.id, wire.MessageEntryUpdate, payload, d.ID)
}

func (s *Server) onEntryDelete(p *peer, d wire.Decoded) {
	if err := s.storage.ApplyRemoteDelete(d.ID, d.SendTime); err != nil {
		s.log.Debug("remote delete rejected", zap.Uint16("id", d.ID), zap.Error(err))
		return
	}

	s.ser.Reset()
	if !s.ser.EntryDelete(d.SendTime, d.ID) {
		s.log.Error("failed to serialize entry_delete broadcast", zap.Uint16("id", d.ID))
		return
	}
	payload := append([]byte(nil), s.ser.Data()...)
	s.broadcastExcept(p.id, wire.MessageEntryDelete, payload, d.ID)
}

// broadcastExcept enqueues msg to every peer but originID, marking
// each recipient as now knowing netID — it just received a message
// naming it, so a future publish for it would be redundant.
func (s *Server) broadcastExcept(originID uint64, msgType wire.MessageType, payload []byte, netID uint16) {
	for id, other := range s.peers {
		if id == originID {
			continue
		}
		if err := other.queue.Enqueue(msgType, payload, outqueue.FlagNone); err != nil {
			s.onPeerClosed(other, err)
			continue
		}
		other.markKnown(netID)
	}
}

// allocateNetID assigns the next net-id to path's entry (creating it
// if absent) and records it in the handshake republish ledger.
func (s *Server) allocateNetID(path string) (uint16, error) {
	h, err := s.storage.GetOrCreate(path)
	if err != nil {
		return 0, err
	}
	id, err := s.storage.AssignNetID(h)
	if err != nil {
		return 0, err
	}
	s.assignments[id] = path
	return id, nil
}

// tick is the server's 200ms periodic drain: any dirty entry with no
// net-id yet is allocated one, and every connected peer receives the
// resulting EntryUpdate/EntryDelete — preceded by an EntryIdAssign for
// any peer that doesn't already know the id — mirroring update()'s
// act_on_dirty_entries visitor, which enqueues to every client
// unconditionally rather than only the ones that already know.
func (s *Server) tick() {
	if len(s.peers) == 0 {
		return
	}

	s.storage.DrainDirty(func(snap storage.Snapshot) bool {
		netID := snap.NetID
		if netID == storage.UnassignedNetID {
			id, err := s.allocateNetID(snap.Path)
			if err != nil {
				s.log.Error("net-id space exhausted", zap.Error(err))
				return true
			}
			netID = id
		}

		s.ser.Reset()
		var msgType wire.MessageType
		var ok bool
		if snap.IsDeleted() {
			msgType = wire.MessageEntryDelete
			ok = s.ser.EntryDelete(snap.LastUpdateMillis, netID)
		} else {
			msgType = wire.MessageEntryUpdate
			ok = s.ser.EntryUpdate(snap.LastUpdateMillis, netID, snap.Value)
		}
		if !ok {
			s.log.Error("failed to serialize tick message", zap.Uint16("id", netID))
			return true
		}
		payload := append([]byte(nil), s.ser.Data()...)

		for _, p := range s.peers {
			if !p.isKnown(netID) {
				s.publish(p, netID, snap.Path)
			}
			if err := p.queue.Enqueue(msgType, payload, outqueue.FlagNone); err != nil {
				s.onPeerClosed(p, err)
			}
		}
		return true
	})

	for _, p := range s.peers {
		if err := p.queue.Flush(); err != nil {
			s.log.Debug("flush failed for peer", zap.Uint64("peer", p.id), zap.Error(err))
			s.onPeerClosed(p, err)
		}
	}
}
