package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomtzook/obsr-go/internal/clock"
	"github.com/tomtzook/obsr-go/internal/obsrerr"
	"github.com/tomtzook/obsr-go/internal/value"
)

func newTestTable() *Table {
	tbl := New(clock.New(), DefaultEntryCapacity)
	tbl.Listeners.Start()
	return tbl
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h1, err := tbl.GetOrCreate("/a/b")
	require.NoError(t, err)
	h2, err := tbl.GetOrCreate("/a/b")
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestInvalidPathRejected(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	_, err := tbl.GetOrCreate("no-leading-slash")
	require.True(t, obsrerr.Is(err, obsrerr.KindInvalidPath))

	_, err = tbl.GetOrCreate("/a//b")
	require.True(t, obsrerr.Is(err, obsrerr.KindInvalidPath))
}

func TestSetValueEmitsCreatedThenValueChanged(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	var events []Event
	done := make(chan struct{}, 2)
	_, err := tbl.Listeners.Listen("/", 0, func(e Event) {
		events = append(events, e)
		done <- struct{}{}
	})
	require.NoError(t, err)

	h, _ := tbl.GetOrCreate("/a/b")
	require.NoError(t, tbl.SetValue(h, value.NewBoolean(true)))

	<-done
	<-done

	require.Len(t, events, 2)
	require.Equal(t, EventCreated, events[0].Type)
	require.Equal(t, EventValueChanged, events[1].Type)
	require.True(t, value.Equal(events[1].NewValue, value.NewBoolean(true)))
}

func TestTypeMismatchOnSecondSet(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a")
	require.NoError(t, tbl.SetValue(h, value.NewInt32(1)))

	err := tbl.SetValue(h, value.NewBoolean(true))
	require.True(t, obsrerr.Is(err, obsrerr.KindTypeMismatch))
}

func TestGetValueOnTombstoneFails(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a")
	require.NoError(t, tbl.SetValue(h, value.NewInt32(1)))
	require.NoError(t, tbl.Delete(h))

	_, err := tbl.GetValue(h)
	require.True(t, obsrerr.Is(err, obsrerr.KindEntryDeleted))
}

func TestSetValueRecreatesTombstone(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a")
	require.NoError(t, tbl.SetValue(h, value.NewInt64(42)))
	require.NoError(t, tbl.Delete(h))
	require.NoError(t, tbl.SetValue(h, value.NewInt64(7)))

	v, err := tbl.GetValue(h)
	require.NoError(t, err)
	got, ok := v.Int64()
	require.True(t, ok)
	require.Equal(t, int64(7), got)
}

func TestDrainDirtyClearsFlagOnTrue(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a")
	require.NoError(t, tbl.SetValue(h, value.NewInt32(1)))

	var seen int
	tbl.DrainDirty(func(s Snapshot) bool {
		seen++
		return true
	})
	require.Equal(t, 1, seen)

	snap, err := tbl.Snapshot(h)
	require.NoError(t, err)
	require.False(t, snap.IsDirty())

	seen = 0
	tbl.DrainDirty(func(s Snapshot) bool { seen++; return true })
	require.Equal(t, 0, seen)
}

func TestDrainDirtyLeavesFlagOnFalse(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a")
	require.NoError(t, tbl.SetValue(h, value.NewInt32(1)))

	tbl.DrainDirty(func(s Snapshot) bool { return false })

	snap, err := tbl.Snapshot(h)
	require.NoError(t, err)
	require.True(t, snap.IsDirty())
}

func TestApplyRemoteUpdateStaleIsDropped(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a")
	netID := uint16(5)
	_, err := tbl.OnEntryIDAssigned(netID, "/a")
	require.NoError(t, err)
	require.NoError(t, tbl.ApplyRemoteUpdate(netID, value.NewInt32(10), 1000))

	err = tbl.ApplyRemoteUpdate(netID, value.NewInt32(999), 500)
	require.True(t, obsrerr.Is(err, obsrerr.KindStale))

	v, err := tbl.GetValue(h)
	require.NoError(t, err)
	got, _ := v.Int32()
	require.Equal(t, int32(10), got)
}

func TestApplyRemoteUpdateDoesNotMarkDirty(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a")
	netID := uint16(9)
	_, err := tbl.OnEntryIDAssigned(netID, "/a")
	require.NoError(t, err)

	require.NoError(t, tbl.ApplyRemoteUpdate(netID, value.NewInt32(1), 1000))

	snap, err := tbl.Snapshot(h)
	require.NoError(t, err)
	require.False(t, snap.IsDirty())
}

func TestApplyRemoteDeleteNoOpWhenAlreadyCreatedFlagged(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, _ := tbl.GetOrCreate("/a") // still CREATED-flagged, never set
	netID := uint16(3)
	_, err := tbl.OnEntryIDAssigned(netID, "/a")
	require.NoError(t, err)

	require.NoError(t, tbl.ApplyRemoteDelete(netID, 1000))

	snap, err := tbl.Snapshot(h)
	require.NoError(t, err)
	require.False(t, snap.IsDeleted())
}

func TestOnEntryIDAssignedDoesNotTouchValueOrDirty(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h, err := tbl.OnEntryIDAssigned(42, "/a/b")
	require.NoError(t, err)

	snap, err := tbl.Snapshot(h)
	require.NoError(t, err)
	require.False(t, snap.IsDirty())
	require.True(t, snap.IsCreated())
	require.Equal(t, uint16(42), snap.NetID)
}

func TestDeleteSubtreeFiresSingleAggregateEvent(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	a, _ := tbl.GetOrCreate("/x/a")
	b, _ := tbl.GetOrCreate("/x/b")
	require.NoError(t, tbl.SetValue(a, value.NewInt32(1)))
	require.NoError(t, tbl.SetValue(b, value.NewInt32(2)))

	var deletedEvents int
	done := make(chan struct{}, 1)
	_, err := tbl.Listeners.Listen("/x", 0, func(e Event) {
		if e.Type == EventDeleted {
			deletedEvents++
			done <- struct{}{}
		}
	})
	require.NoError(t, err)

	tbl.DeleteSubtree("/x")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aggregate Deleted event")
	}
	time.Sleep(10 * time.Millisecond) // let any extra (unwanted) events arrive

	require.Equal(t, 1, deletedEvents)

	snapA, err := tbl.Snapshot(a)
	require.NoError(t, err)
	snapB, err := tbl.Snapshot(b)
	require.NoError(t, err)
	require.True(t, snapA.IsDeleted())
	require.True(t, snapB.IsDeleted())
}

func TestAssignNetIDIsMonotonicAndOneShot(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	h1, _ := tbl.GetOrCreate("/a")
	h2, _ := tbl.GetOrCreate("/b")

	id1, err := tbl.AssignNetID(h1)
	require.NoError(t, err)
	id2, err := tbl.AssignNetID(h2)
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	again, err := tbl.AssignNetID(h1)
	require.NoError(t, err)
	require.Equal(t, id1, again)
}

func TestListenerPrefixAndTimestampFilter(t *testing.T) {
	tbl := newTestTable()
	defer tbl.Listeners.Stop()

	received := make(chan Event, 4)
	_, err := tbl.Listeners.Listen("/matched", 1000, func(e Event) { received <- e })
	require.NoError(t, err)

	tbl.Listeners.Enqueue(Event{Timestamp: 500, Path: "/matched/x", Type: EventValueChanged})  // too early
	tbl.Listeners.Enqueue(Event{Timestamp: 1500, Path: "/other/x", Type: EventValueChanged})   // wrong prefix
	tbl.Listeners.Enqueue(Event{Timestamp: 1500, Path: "/matched/x", Type: EventValueChanged}) // matches

	select {
	case e := <-received:
		require.Equal(t, "/matched/x", e.Path)
		require.Equal(t, int64(1500), e.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case e := <-received:
		t.Fatalf("unexpected second event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
