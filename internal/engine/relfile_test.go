package engine

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsDataFile(t *testing.T) {
	cases := []struct {
		relPath string
		want    bool
	}{
		{"base/16384/16401", true},
		{"base/16384/16401_fsm", true},
		{"base/16384/16401_vm", true},
		{"base/16384/16401.1", true},
		{"base/16384/16401_init", true},
		{"global/1262", true},
		{"pg_tblspc/16400/PG_16_202307071/16384/16401", true},
		{"global/pg_filenode.map", false},
		{"PG_VERSION", false},
		{"base/16384/PG_VERSION", false},
		{"postgresql.conf", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, isDataFile(c.relPath, 0), c.relPath)
	}
}

func TestIsDataFileExcludesDirsAndSymlinks(t *testing.T) {
	require.False(t, isDataFile("base/16384", fs.ModeDir))
	require.False(t, isDataFile("pg_tblspc/16400", fs.ModeSymlink))
}
