package outqueue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomtzook/obsr-go/internal/wire"
)

type fakeWriter struct {
	accept bool
	err    error
	writes [][]byte
}

func (w *fakeWriter) Write(frame []byte) (bool, error) {
	if w.err != nil {
		return false, w.err
	}
	if w.accept {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		w.writes = append(w.writes, cp)
	}
	return w.accept, nil
}

func TestImmediateWriteBypassesQueueWhenAccepted(t *testing.T) {
	w := &fakeWriter{accept: true}
	q := New(w)

	err := q.Enqueue(wire.MessageTimeSyncRequest, []byte{1}, FlagImmediate)
	require.NoError(t, err)
	require.Equal(t, 0, q.Len())
	require.Len(t, w.writes, 1)
}

func TestImmediateFallsBackToQueueWhenRefused(t *testing.T) {
	w := &fakeWriter{accept: false}
	q := New(w)

	err := q.Enqueue(wire.MessageTimeSyncRequest, []byte{1}, FlagImmediate)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
}

func TestFlushStopsOnRefusalAndHeadRemains(t *testing.T) {
	w := &fakeWriter{accept: false}
	q := New(w)

	require.NoError(t, q.Enqueue(wire.MessageEntryDelete, []byte{1}, FlagNone))
	require.NoError(t, q.Enqueue(wire.MessageEntryDelete, []byte{2}, FlagNone))

	require.NoError(t, q.Flush())
	require.Equal(t, 2, q.Len()) // nothing accepted, both remain
}

func TestFlushDrainsInFIFOOrder(t *testing.T) {
	w := &fakeWriter{accept: true}
	q := New(w)

	require.NoError(t, q.Enqueue(wire.MessageEntryDelete, []byte{1}, FlagNone))
	require.NoError(t, q.Enqueue(wire.MessageEntryDelete, []byte{2}, FlagNone))

	require.NoError(t, q.Flush())
	require.Equal(t, 0, q.Len())
	require.Len(t, w.writes, 2)
}

func TestFlushPropagatesWriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("boom")}
	q := New(w)

	require.NoError(t, q.Enqueue(wire.MessageEntryDelete, []byte{1}, FlagNone))
	err := q.Flush()
	require.Error(t, err)
}
