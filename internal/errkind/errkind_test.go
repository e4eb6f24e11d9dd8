package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndOf(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, TimelineDivergence, "checking history")
	require.Error(t, err)

	k, ok := Of(err)
	require.True(t, ok)
	require.Equal(t, TimelineDivergence, k)
	require.Contains(t, err.Error(), "TimelineDivergence")
}

func TestOfUnset(t *testing.T) {
	_, ok := Of(errors.New("plain"))
	require.False(t, ok)
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(nil, IOFailure, "x"))
}

func TestIs(t *testing.T) {
	err := Wrapf(errors.New("stale"), BlockTrackingStale, "ptrack_lsn %s", "0/5000000")
	require.True(t, Is(err, BlockTrackingStale))
	require.False(t, Is(err, LSNInversion))
}
