package ptrack

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

func TestTrackedSince(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("ptrack_init_lsn").WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow("0/2000000"))

	got, err := TrackedSince(context.Background(), mock)
	require.NoError(t, err)
	require.Equal(t, lsn.MustParse("0/2000000"), got)
}

func TestValidateFreshnessOK(t *testing.T) {
	err := ValidateFreshness(lsn.MustParse("0/2000000"), lsn.MustParse("0/3000000"))
	require.NoError(t, err)
}

func TestValidateFreshnessStale(t *testing.T) {
	err := ValidateFreshness(lsn.MustParse("0/4000000"), lsn.MustParse("0/3000000"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.BlockTrackingStale))
}

func TestValidateFreshnessInvalid(t *testing.T) {
	err := ValidateFreshness(lsn.Invalid, lsn.MustParse("0/3000000"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.BlockTrackingStale))
}

func TestBuildChangeMap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("ptrack_get_pagemapset").WillReturnRows(
		pgxmock.NewRows([]string{"path", "pagemap"}).
			AddRow("base/16401/16404", []byte{0b00000011}).
			AddRow("base/16401/16405", []byte{0b00000000}))

	maps, err := BuildChangeMap(context.Background(), mock, lsn.MustParse("0/2000000"))
	require.NoError(t, err)
	require.Len(t, maps, 2)

	idx := Index(maps)
	require.True(t, PageChanged(idx["base/16401/16404"], 0))
	require.True(t, PageChanged(idx["base/16401/16404"], 1))
	require.False(t, PageChanged(idx["base/16401/16404"], 2))
}

func TestPageChangedOutOfRangeDefaultsTrue(t *testing.T) {
	require.True(t, PageChanged([]byte{0xFF}, 100))
}

func TestChangedBlocks(t *testing.T) {
	blocks := ChangedBlocks([]byte{0b00000011, 0b00000001})
	require.Equal(t, []uint32{0, 1, 8}, blocks)
}
