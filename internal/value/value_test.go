package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEqual(t *testing.T) {
	a := NewInt32(5)
	b := NewInt32(5)
	c := NewInt32(6)

	require.True(t, Equal(a, b))
	require.False(t, Equal(a, c))
	require.True(t, Equal(Empty(), Empty()))
}

func TestRawTooLarge(t *testing.T) {
	big := make([]byte, MaxElements+1)
	_, err := NewRaw(big)
	require.Error(t, err)

	ok := make([]byte, MaxElements)
	_, err = NewRaw(ok)
	require.NoError(t, err)
}

func TestRawIsolatedFromCaller(t *testing.T) {
	buf := []byte{1, 2, 3}
	v, err := NewRaw(buf)
	require.NoError(t, err)

	buf[0] = 0xff
	got, ok := v.Raw()
	require.True(t, ok)
	require.Equal(t, byte(1), got[0])
}

func TestArrayAccessorsTagMismatch(t *testing.T) {
	v := NewBoolean(true)
	_, ok := v.Int32Array()
	require.False(t, ok)
}
