package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

func historyFromSpec() History {
	return History{
		{TimelineID: 2, SwitchLSN: lsn.MustParse("0/4000000"), PreviousTimeline: 1},
		{TimelineID: 3, SwitchLSN: lsn.MustParse("0/6000000"), PreviousTimeline: 2},
	}
}

// TestReachable_S6 reproduces spec.md scenario S6.
func TestReachable_S6(t *testing.T) {
	h := historyFromSpec()

	err := Reachable(h, 3, 2, lsn.MustParse("0/5000000"))
	require.NoError(t, err)

	err = Reachable(h, 3, 2, lsn.MustParse("0/7000000"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.TimelineDivergence))
}

func TestReachableTimelineOneRequiresDestOne(t *testing.T) {
	require.NoError(t, Reachable(nil, 1, 1, lsn.Invalid))

	err := Reachable(nil, 1, 2, lsn.Invalid)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.TimelineDivergence))
}

func TestReachableDestOnCurrentTimeline(t *testing.T) {
	h := historyFromSpec()
	require.NoError(t, Reachable(h, 3, 3, lsn.MustParse("0/9000000")))
}

func TestReachableUnknownTimeline(t *testing.T) {
	h := historyFromSpec()
	err := Reachable(h, 3, 99, lsn.MustParse("0/1000000"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.TimelineDivergence))
}

func TestParseHistory(t *testing.T) {
	// Raw wire rows are keyed by the ancestor (ending) timeline: row 0 says
	// timeline 1 ended at 0/4000000 (timeline 2 began there), row 1 says
	// timeline 2 ended at 0/6000000 (timeline 3, the source's own current
	// timeline, began there).
	content := []byte("1\t0/4000000\tno recovery target specified\n\n# comment\n2\t0/6000000\tpromoted\n")
	h, err := ParseHistory(content, 3)
	require.NoError(t, err)
	require.Len(t, h, 2)
	require.Equal(t, uint32(2), h[0].TimelineID)
	require.Equal(t, lsn.MustParse("0/4000000"), h[0].SwitchLSN)
	require.Equal(t, uint32(1), h[0].PreviousTimeline)
	require.Equal(t, uint32(3), h[1].TimelineID)
	require.Equal(t, lsn.MustParse("0/6000000"), h[1].SwitchLSN)
	require.Equal(t, uint32(2), h[1].PreviousTimeline)
}

func TestParseHistoryMalformed(t *testing.T) {
	_, err := ParseHistory([]byte("garbage\n"), 3)
	require.Error(t, err)
}

// TestParseHistoryThenReachable_ThreeLevelChain runs real wire-format
// history content through ParseHistory and into Reachable end to end, for
// a four-timeline chain 1 -> 2 (@A) -> 3 (@B) -> 4 (@C) with the source
// currently on timeline 4. This is the path TestReachable_S6 bypasses by
// constructing an already-shifted History by hand.
func TestParseHistoryThenReachable_ThreeLevelChain(t *testing.T) {
	content := []byte(
		"1\t0/4000000\tno recovery target specified\n" +
			"2\t0/6000000\tno recovery target specified\n" +
			"3\t0/8000000\tpromoted\n",
	)
	h, err := ParseHistory(content, 4)
	require.NoError(t, err)
	require.Len(t, h, 3)
	require.Equal(t, uint32(2), h[0].TimelineID)
	require.Equal(t, uint32(3), h[1].TimelineID)
	require.Equal(t, uint32(4), h[2].TimelineID)

	// Destination on timeline 2: the bound is B (0/6000000), where
	// timeline 2 ended, not C (0/8000000) where timeline 3 ended.
	require.NoError(t, Reachable(h, 4, 2, lsn.MustParse("0/5000000")))
	err = Reachable(h, 4, 2, lsn.MustParse("0/7000000"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.TimelineDivergence))
}
