package timeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRower struct {
	rows [][][]byte
	err  error
}

func (f fakeRower) SimpleQuery(ctx context.Context, sql string) ([][][]byte, error) {
	return f.rows, f.err
}

func TestFetch(t *testing.T) {
	r := fakeRower{rows: [][][]byte{{[]byte("00000003.history"), []byte("2\t0/6000000\tno reason\n")}}}
	h, err := Fetch(context.Background(), r, 3)
	require.NoError(t, err)
	require.Len(t, h, 1)
	// The single raw row names timeline 2 as the one that ended at
	// 0/6000000; the shifted label is the requested timeline 3 itself,
	// since there is no later row to borrow from.
	require.Equal(t, uint32(3), h[0].TimelineID)
	require.Equal(t, uint32(2), h[0].PreviousTimeline)
}

func TestFetchBadShape(t *testing.T) {
	r := fakeRower{rows: [][][]byte{{[]byte("only one col")}}}
	_, err := Fetch(context.Background(), r, 3)
	require.Error(t, err)
}
