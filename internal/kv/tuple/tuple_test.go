package tuple_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowlofstew/sql-layer/internal/kv/tuple"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	packed, err := tuple.Pack(int64(42), "test", int64(-7))
	require.NoError(t, err)

	got, err := tuple.Unpack(packed)
	require.NoError(t, err)
	assert.Equal(t, []tuple.Elem{int64(42), "test", int64(-7)}, got)
}

func TestIntOrderPreserved(t *testing.T) {
	values := []int64{-1000, -1, 0, 1, 1000, 1 << 40}
	var packed [][]byte
	for _, v := range values {
		b, err := tuple.Pack(v)
		require.NoError(t, err)
		packed = append(packed, b)
	}
	for i := 1; i < len(packed); i++ {
		assert.True(t, string(packed[i-1]) < string(packed[i]),
			"expected %v to sort before %v", values[i-1], values[i])
	}
}

func TestStringOrderPreserved(t *testing.T) {
	a := tuple.MustPack("apple")
	b := tuple.MustPack("banana")
	assert.True(t, string(a) < string(b))
}
