package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReadArgs(t *testing.T) {
	fid, off, length, err := parseReadArgs([]string{"-7", "0x10", "18446744073709551615"})
	require.NoError(t, err)
	require.Equal(t, int32(-7), fid)
	require.Equal(t, uint64(16), off)
	require.Equal(t, uint64(math.MaxUint64), length)

	_, off, _, err = parseReadArgs([]string{"1", "9223372036854775808", "1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1)<<63, off)

	for _, args := range [][]string{
		{"1", "2"},
		{"1", "-1", "1"},
		{"1", "0", "-5"},
		{"4294967296", "0", "1"},
		{"x", "0", "1"},
	} {
		_, _, _, err = parseReadArgs(args)
		require.Error(t, err, "%v", args)
	}
}

func TestParseID(t *testing.T) {
	gfid, err := parseID("0xabcd")
	require.NoError(t, err)
	require.Equal(t, int32(0xabcd), gfid)
	_, err = parseID("2147483648")
	require.Error(t, err)
}
