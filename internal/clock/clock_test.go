package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncComputesOffset(t *testing.T) {
	c := NewWithWall(func() int64 { return 0 })

	// localSend=100, remoteStart=150, remoteEnd=160, localRecv=200
	// rtt = 200-100 = 100; offset = 160 + 50 - 200 = 10
	c.Sync(100, 150, 160, 200)

	require.Equal(t, int64(10), c.Offset())
}

func TestSyncOnlyImprovesOnBetterRTT(t *testing.T) {
	c := NewWithWall(func() int64 { return 0 })

	c.Sync(100, 150, 160, 200) // rtt=100, offset=10
	c.Sync(0, 500, 500, 1000)  // rtt=1000 (worse), should be ignored
	require.Equal(t, int64(10), c.Offset())

	c.Sync(1000, 1050, 1055, 1010) // rtt=10, better
	require.NotEqual(t, int64(10), c.Offset())
}

func TestReset(t *testing.T) {
	c := NewWithWall(func() int64 { return 0 })
	c.Sync(100, 150, 160, 200)
	c.Reset()
	require.Equal(t, int64(0), c.Offset())
}
