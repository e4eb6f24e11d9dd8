package backupwindow

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgcatchup/internal/lsn"
)

func TestStart(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("pg_backup_start").WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow("0/4000000"))

	w, err := Start(context.Background(), mock, "pgcatchup 2026-07-31 run")
	require.NoError(t, err)
	require.Equal(t, lsn.MustParse("0/4000000"), w.StartLSN)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("pg_backup_stop").WillReturnRows(
		pgxmock.NewRows([]string{"lsn", "labelfile", "spcmapfile", "start_time", "txid"}).
			AddRow("0/6000000", "START WAL LOCATION: 0/4000000\n", "", now, uint64(42)))

	s, err := Stop(context.Background(), mock)
	require.NoError(t, err)
	require.Equal(t, lsn.MustParse("0/6000000"), s.StopLSN)
	require.Contains(t, s.LabelText, "START WAL LOCATION")
	require.Equal(t, uint64(42), s.RecoveryTxID)
}

func TestRestorePoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("pg_create_restore_point").WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow("0/5000000"))

	l, err := RestorePoint(context.Background(), mock, "pgcatchup-run-abc")
	require.NoError(t, err)
	require.Equal(t, lsn.MustParse("0/5000000"), l)
}

func TestWaitArchivedSucceeds(t *testing.T) {
	calls := 0
	poll := func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 2, nil
	}
	err := WaitArchived(context.Background(), poll, time.Second)
	require.NoError(t, err)
	require.GreaterOrEqual(t, calls, 2)
}

func TestWaitArchivedTimesOut(t *testing.T) {
	poll := func(ctx context.Context) (bool, error) { return false, nil }
	err := WaitArchived(context.Background(), poll, 10*time.Millisecond)
	require.Error(t, err)
}

func TestWaitArchivedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	poll := func(ctx context.Context) (bool, error) { return false, nil }
	err := WaitArchived(ctx, poll, time.Second)
	require.Error(t, err)
}
