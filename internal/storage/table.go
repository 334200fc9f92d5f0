package storage

import (
	"strings"
	"sync"

	"github.com/tomtzook/obsr-go/internal/clock"
	"github.com/tomtzook/obsr-go/internal/handle"
	"github.com/tomtzook/obsr-go/internal/obsrerr"
	"github.com/tomtzook/obsr-go/internal/value"
)

// DefaultEntryCapacity is the fixed entry-table capacity (spec.md §3: "256 entries").
const DefaultEntryCapacity = 256

// DefaultListenerCapacity is the fixed listener-table capacity (spec.md §3: "16 listeners").
const DefaultListenerCapacity = 16

// ProbeNotExists is the sentinel Probe returns for an unknown handle.
const ProbeNotExists uint32 = 0xFFFFFFFF

// Table is the storage entry table of spec.md §4.4: a handle-addressed
// set of entries, a path index, a net-id index, and the merge policy for
// incoming remote mutations. All public operations are guarded by one
// lock, matching the original's single storage mutex.
type Table struct {
	mu sync.Mutex

	clk     *clock.Clock
	entries *handle.Table[Entry]

	pathIndex map[string]handle.Handle
	netIndex  map[uint16]handle.Handle
	nextNetID uint32 // server-side allocator; wider than uint16 to detect exhaustion

	Listeners *Dispatcher
}

// New creates an entry table with the given capacity, backed by clk for
// timestamping local mutations.
func New(clk *clock.Clock, capacity int) *Table {
	return &Table{
		clk:       clk,
		entries:   handle.New[Entry](capacity),
		pathIndex: make(map[string]handle.Handle),
		netIndex:  make(map[uint16]handle.Handle),
		Listeners: NewDispatcher(DefaultListenerCapacity),
	}
}

// ValidatePath checks the format of spec.md §6: must start with "/", no
// empty interior segments. The root path "/" is valid.
func ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return obsrerr.New(obsrerr.KindInvalidPath, "storage.ValidatePath", nil)
	}
	if path == "/" {
		return nil
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" {
			return obsrerr.New(obsrerr.KindInvalidPath, "storage.ValidatePath", nil)
		}
	}
	return nil
}

// ValidateName checks a single path segment: non-empty, no "/".
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return obsrerr.New(obsrerr.KindInvalidName, "storage.ValidateName", nil)
	}
	return nil
}

// GetOrCreate returns the handle for path, creating a CREATED-flagged
// empty entry if absent.
func (t *Table) GetOrCreate(path string) (handle.Handle, error) {
	if err := ValidatePath(path); err != nil {
		return handle.None, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreateLocked(path)
}

func (t *Table) getOrCreateLocked(path string) (handle.Handle, error) {
	if h, ok := t.pathIndex[path]; ok {
		return h, nil
	}

	e := &Entry{
		Path:             path,
		value:            value.Empty(),
		netID:            UnassignedNetID,
		flags:            FlagCreated,
		lastUpdateMillis: 0,
	}
	h, err := t.entries.Allocate(e)
	if err != nil {
		return handle.None, err
	}
	t.pathIndex[path] = h
	return h, nil
}

// Probe returns the public (low-8) flags for h, or ProbeNotExists.
func (t *Table) Probe(h handle.Handle) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entries.Get(h)
	if err != nil {
		return ProbeNotExists
	}
	return e.snapshot().PublicFlags()
}

// GetValue returns h's current value, failing with EntryDeleted if tombstoned.
func (t *Table) GetValue(h handle.Handle) (value.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entries.Get(h)
	if err != nil {
		return value.Value{}, err
	}
	if e.flags&FlagDeleted != 0 {
		return value.Value{}, obsrerr.New(obsrerr.KindEntryDeleted, "storage.GetValue", nil)
	}
	return e.value, nil
}

// SetValue type-checks and stores v, clearing CREATED/DELETED (emitting
// Created if transitioning out of either) and emitting ValueChanged.
func (t *Table) SetValue(h handle.Handle, v value.Value) error {
	t.mu.Lock()
	e, err := t.entries.Get(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	if err := checkTypeTransition(e.value, v); err != nil {
		t.mu.Unlock()
		return err
	}

	old := e.value
	wasTombstonedOrNew := e.flags&(FlagCreated|FlagDeleted) != 0
	now := t.clk.Now()

	e.value = v
	e.flags |= FlagDirty
	e.flags &^= FlagCreated | FlagDeleted
	e.lastUpdateMillis = now
	path := e.Path
	t.mu.Unlock()

	if wasTombstonedOrNew {
		t.Listeners.Enqueue(Event{Timestamp: now, Type: EventCreated, Path: path, OldValue: value.Empty(), NewValue: value.Empty()})
	}
	t.Listeners.Enqueue(Event{Timestamp: now, Type: EventValueChanged, Path: path, OldValue: old, NewValue: v})
	return nil
}

// ClearValue replaces h's value with Empty, following the same
// notification path as SetValue.
func (t *Table) ClearValue(h handle.Handle) error {
	return t.SetValue(h, value.Empty())
}

// Delete tombstones h: sets DELETED, empties the value, marks dirty,
// stamps the clock, and emits a Deleted event.
func (t *Table) Delete(h handle.Handle) error {
	t.mu.Lock()
	e, err := t.entries.Get(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	old := e.value
	now := t.clk.Now()
	e.value = value.Empty()
	e.flags |= FlagDirty | FlagDeleted
	e.flags &^= FlagCreated
	e.lastUpdateMillis = now
	path := e.Path
	t.mu.Unlock()

	t.Listeners.Enqueue(Event{Timestamp: now, Type: EventDeleted, Path: path, OldValue: old, NewValue: value.Empty()})
	return nil
}

// DeleteSubtree tombstones every entry whose path starts with prefix,
// firing a single aggregate Deleted event at prefix rather than one per
// entry, matching the original's delete_entries.
func (t *Table) DeleteSubtree(prefix string) {
	t.mu.Lock()
	now := t.clk.Now()
	var any bool
	t.entries.Range(func(_ handle.Handle, e *Entry) bool {
		if !strings.HasPrefix(e.Path, prefix) {
			return true
		}
		if e.flags&FlagDeleted != 0 {
			return true
		}
		any = true
		e.value = value.Empty()
		e.flags |= FlagDirty | FlagDeleted
		e.flags &^= FlagCreated
		e.lastUpdateMillis = now
		return true
	})
	t.mu.Unlock()

	if any {
		t.Listeners.Enqueue(Event{Timestamp: now, Type: EventDeleted, Path: prefix, OldValue: value.Empty(), NewValue: value.Empty()})
	}
}

// DrainDirty iterates dirty entries in handle order. For each, it
// releases the lock, invokes visitor, reacquires the lock, and clears
// DIRTY iff visitor returned true; iteration stops on a false return.
// Grounded on the original's act_on_dirty_entries, which walks the live
// map under lock and only unlocks around the visitor call rather than
// snapshotting the dirty set up front.
func (t *Table) DrainDirty(visitor func(Snapshot) bool) {
	t.mu.Lock()
	for i := 0; i < t.entries.Len(); i++ {
		h := handle.Handle(i)
		e, err := t.entries.Get(h)
		if err != nil || e.flags&FlagDirty == 0 {
			continue
		}

		snap := e.snapshot()
		t.mu.Unlock()
		cont := visitor(snap)
		t.mu.Lock()

		e2, err2 := t.entries.Get(h)
		if err2 != nil {
			continue
		}
		if cont {
			e2.flags &^= FlagDirty
		} else {
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()
}

// RangeAllAssigned iterates every entry that currently holds a net-id,
// in handle order, releasing the lock around each visitor call exactly
// as DrainDirty does. Unlike DrainDirty it does not filter by
// dirtiness and never clears flags. The server's handshake republish
// does not use it: it walks the server's own ledger of every id ever
// assigned.
func (t *Table) RangeAllAssigned(visitor func(Snapshot) bool) {
	t.mu.Lock()
	for i := 0; i < t.entries.Len(); i++ {
		h := handle.Handle(i)
		e, err := t.entries.Get(h)
		if err != nil || e.netID == UnassignedNetID {
			continue
		}

		snap := e.snapshot()
		t.mu.Unlock()
		cont := visitor(snap)
		t.mu.Lock()
		if !cont {
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()
}

// SnapshotByNetID looks up an entry by its net-id, mirroring
// get_entry_value_from_id's lookup path used during handshake republish.
func (t *Table) SnapshotByNetID(netID uint16) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.netIndex[netID]
	if !ok {
		return Snapshot{}, false
	}
	e, err := t.entries.Get(h)
	if err != nil {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// ClearNetIDs resets every entry's net-id to UNASSIGNED, invoked on
// client reconnect.
func (t *Table) ClearNetIDs() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries.Range(func(_ handle.Handle, e *Entry) bool {
		e.netID = UnassignedNetID
		return true
	})
	t.netIndex = make(map[uint16]handle.Handle)
}

// AssignNetID allocates the next net-id for h if it doesn't have one
// yet, and records it in the net-id index. Net-id assignment is one-shot
// and monotonic per spec.md §3.
func (t *Table) AssignNetID(h handle.Handle) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entries.Get(h)
	if err != nil {
		return 0, err
	}
	if e.netID != UnassignedNetID {
		return e.netID, nil
	}

	if t.nextNetID >= UnassignedNetID {
		return 0, obsrerr.New(obsrerr.KindNoSpace, "storage.AssignNetID", nil)
	}

	id := uint16(t.nextNetID)
	t.nextNetID++
	e.netID = id
	t.netIndex[id] = h
	return id, nil
}

// checkTypeTransition compares a new value's tag against the entry's
// current value only: a non-empty value must keep the tag of a non-empty
// current value. Assigning Empty (clearing) is always allowed, and once
// the current value is Empty (after a clear or a delete) the next
// non-empty value may carry any tag.
func checkTypeTransition(current, next value.Value) error {
	if current.IsEmpty() || next.IsEmpty() {
		return nil
	}
	if current.Type() != next.Type() {
		return obsrerr.New(obsrerr.KindTypeMismatch, "storage.checkTypeTransition", nil)
	}
	return nil
}

// handleForNetID looks up the entry handle currently holding netID.
func (t *Table) handleForNetID(netID uint16) (handle.Handle, bool) {
	h, ok := t.netIndex[netID]
	return h, ok
}

// ApplyRemoteCreate implements the Create branch of the merge policy
// (spec.md §4.4): looked up by path (creating if absent), subject to the
// staleness check, clearing CREATED/DELETED with a Created event if
// transitioning, applying the value, and recording netID if it is not
// UNASSIGNED. Does not mark DIRTY — the peer already knows this value.
func (t *Table) ApplyRemoteCreate(path string, netID uint16, v value.Value, remoteTimestamp int64) (handle.Handle, error) {
	if err := ValidatePath(path); err != nil {
		return handle.None, err
	}

	t.mu.Lock()
	h, err := t.getOrCreateLocked(path)
	if err != nil {
		t.mu.Unlock()
		return handle.None, err
	}
	e, _ := t.entries.Get(h)

	if remoteTimestamp != 0 && remoteTimestamp < e.lastUpdateMillis {
		t.mu.Unlock()
		return h, obsrerr.New(obsrerr.KindStale, "storage.ApplyRemoteCreate", nil)
	}

	wasTransitioning := e.flags&(FlagCreated|FlagDeleted) != 0
	old := e.value

	if netID != UnassignedNetID && e.netID == UnassignedNetID {
		e.netID = netID
		t.netIndex[netID] = h
	}

	e.value = v
	e.flags &^= FlagCreated | FlagDeleted | FlagDirty
	e.lastUpdateMillis = remoteTimestamp
	evPath := e.Path
	t.mu.Unlock()

	if wasTransitioning {
		t.Listeners.Enqueue(Event{Timestamp: remoteTimestamp, Type: EventCreated, Path: evPath, OldValue: value.Empty(), NewValue: value.Empty()})
	}
	t.Listeners.Enqueue(Event{Timestamp: remoteTimestamp, Type: EventValueChanged, Path: evPath, OldValue: old, NewValue: v})
	return h, nil
}

// ApplyRemoteUpdate implements the Update branch of the merge policy:
// looked up by net-id, subject to the staleness check, value applied,
// ValueChanged emitted. Fails with NoSuchHandle if netID is unknown.
func (t *Table) ApplyRemoteUpdate(netID uint16, v value.Value, remoteTimestamp int64) error {
	t.mu.Lock()
	h, ok := t.handleForNetID(netID)
	if !ok {
		t.mu.Unlock()
		return obsrerr.New(obsrerr.KindNoSuchHandle, "storage.ApplyRemoteUpdate", nil)
	}
	e, _ := t.entries.Get(h)

	if remoteTimestamp != 0 && remoteTimestamp < e.lastUpdateMillis {
		t.mu.Unlock()
		return obsrerr.New(obsrerr.KindStale, "storage.ApplyRemoteUpdate", nil)
	}

	wasTransitioning := e.flags&(FlagCreated|FlagDeleted) != 0
	old := e.value
	e.value = v
	e.flags &^= FlagCreated | FlagDeleted | FlagDirty
	e.lastUpdateMillis = remoteTimestamp
	path := e.Path
	t.mu.Unlock()

	if wasTransitioning {
		t.Listeners.Enqueue(Event{Timestamp: remoteTimestamp, Type: EventCreated, Path: path, OldValue: value.Empty(), NewValue: value.Empty()})
	}
	t.Listeners.Enqueue(Event{Timestamp: remoteTimestamp, Type: EventValueChanged, Path: path, OldValue: old, NewValue: v})
	return nil
}

// ApplyRemoteDelete implements the Delete branch of the merge policy,
// grounded on delete_entry_internal: a no-op if the entry is already
// CREATED (never observed) or DELETED; otherwise tombstones and emits
// Deleted. Fails with NoSuchHandle if netID is unknown.
func (t *Table) ApplyRemoteDelete(netID uint16, remoteTimestamp int64) error {
	t.mu.Lock()
	h, ok := t.handleForNetID(netID)
	if !ok {
		t.mu.Unlock()
		return obsrerr.New(obsrerr.KindNoSuchHandle, "storage.ApplyRemoteDelete", nil)
	}
	e, _ := t.entries.Get(h)

	if remoteTimestamp != 0 && remoteTimestamp < e.lastUpdateMillis {
		t.mu.Unlock()
		return obsrerr.New(obsrerr.KindStale, "storage.ApplyRemoteDelete", nil)
	}
	if e.flags&(FlagCreated|FlagDeleted) != 0 {
		t.mu.Unlock()
		return nil
	}

	old := e.value
	e.value = value.Empty()
	e.flags |= FlagDeleted
	e.flags &^= FlagDirty
	e.lastUpdateMillis = remoteTimestamp
	path := e.Path
	t.mu.Unlock()

	t.Listeners.Enqueue(Event{Timestamp: remoteTimestamp, Type: EventDeleted, Path: path, OldValue: old, NewValue: value.Empty()})
	return nil
}

// OnEntryIDAssigned creates or locates path's entry and records net_id.
// It never touches the value or the CREATED/DIRTY flags, per the
// original's on_entry_id_assigned.
func (t *Table) OnEntryIDAssigned(netID uint16, path string) (handle.Handle, error) {
	if err := ValidatePath(path); err != nil {
		return handle.None, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.getOrCreateLocked(path)
	if err != nil {
		return handle.None, err
	}
	e, _ := t.entries.Get(h)
	if e.netID == UnassignedNetID {
		e.netID = netID
		t.netIndex[netID] = h
	}
	return h, nil
}

// Snapshot returns a read-only copy of h's current state.
func (t *Table) Snapshot(h handle.Handle) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entries.Get(h)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(), nil
}

// HandleForPath returns the handle currently bound to path, if any.
func (t *Table) HandleForPath(path string) (handle.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.pathIndex[path]
	return h, ok
}
