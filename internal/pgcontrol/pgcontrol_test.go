package pgcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleOutput = `pg_control version number:            1300
Catalog version number:               202307071
Database system identifier:           7388204820024265966
Database cluster state:               in production
pg_control last modified:             Fri Jul 31 10:00:00 2026
Latest checkpoint location:           0/5000060
Latest checkpoint's REDO location:    0/5000028
Latest checkpoint's REDO WAL file:    000000010000000000000005
Latest checkpoint's TimeLineID:       1
Prior checkpoint's location:          0/4000060
Minimum recovery ending location:     0/0
Min recovery ending loc's timeline:   0
`

func TestParseHappyPath(t *testing.T) {
	d, err := Parse([]byte(sampleOutput))
	require.NoError(t, err)
	require.Equal(t, uint64(7388204820024265966), d.SystemIdentifier)
	require.Equal(t, StateInProduction, d.ClusterState)
	require.Equal(t, uint32(1300), d.PgControlVersion)
	require.Equal(t, uint32(1), d.CheckpointTimeline)
	require.True(t, d.CleanlyShutDown() == false)
}

func TestParseShutDown(t *testing.T) {
	out := "Database system identifier:           123\nDatabase cluster state:               shut down\n"
	d, err := Parse([]byte(out))
	require.NoError(t, err)
	require.True(t, d.CleanlyShutDown())
}

func TestParseMissingIdentifier(t *testing.T) {
	_, err := Parse([]byte("Database cluster state:               in production\n"))
	require.Error(t, err)
}

func TestRedoParamsProjection(t *testing.T) {
	d, err := Parse([]byte(sampleOutput))
	require.NoError(t, err)
	rp := d.RedoParams()
	require.Equal(t, uint32(1), rp.Timeline)
	require.Equal(t, d.CheckpointRedoLSN, rp.LSN)
}
