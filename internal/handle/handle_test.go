package handle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReuse(t *testing.T) {
	tbl := New[int](2)

	v1 := 1
	h1, err := tbl.Allocate(&v1)
	require.NoError(t, err)

	v2 := 2
	h2, err := tbl.Allocate(&v2)
	require.NoError(t, err)

	v3 := 3
	_, err = tbl.Allocate(&v3)
	require.Error(t, err)

	_, err = tbl.Release(h1)
	require.NoError(t, err)

	h3, err := tbl.Allocate(&v3)
	require.NoError(t, err)
	require.Equal(t, h1, h3)

	require.True(t, tbl.Has(h2))
}

func TestStaleHandleIsError(t *testing.T) {
	tbl := New[int](1)
	v := 1
	h, err := tbl.Allocate(&v)
	require.NoError(t, err)

	_, err = tbl.Release(h)
	require.NoError(t, err)

	_, err = tbl.Get(h)
	require.Error(t, err)
}
