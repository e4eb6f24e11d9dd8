package lsn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	v, err := Parse("0/3000028")
	require.NoError(t, err)
	require.Equal(t, "0/3000028", v.String())
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not-an-lsn")
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	a := MustParse("0/3000000")
	b := MustParse("0/5000000")
	require.Equal(t, -1, Compare(a, b))
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

func TestSegmentName(t *testing.T) {
	const segSize = 16 * 1024 * 1024
	name := SegmentName(1, MustParse("0/3000028"), segSize)
	require.Equal(t, "000000010000000000000003", name)
}

func TestSegmentRangeCoversBoundaries(t *testing.T) {
	const segSize = 16 * 1024 * 1024
	start := MustParse("0/3000028")
	stop := LSN(uint64(start) + 3*segSize)
	names := SegmentRange(1, start, stop, segSize)
	require.Len(t, names, 4)
	require.Equal(t, SegmentName(1, start, segSize), names[0])
	require.Equal(t, SegmentName(1, stop, segSize), names[3])
}

func TestInvalid(t *testing.T) {
	require.False(t, Invalid.Valid())
	require.True(t, MustParse("0/1").Valid())
}
