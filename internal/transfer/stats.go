package transfer

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats aggregates the Transfer Scheduler's per-file outcomes, the
// generalized replacement for the teacher's rsync --stats parsing
// (internal/rsync/stats.go) — counters here come straight from this
// engine's own copy results instead of being scraped from a subprocess's
// text output.
type Stats struct {
	FilesCopied    int64
	FilesUnchanged int64
	FilesMissing   int64
	BytesWritten   int64
	BytesRead      int64
}

// Add merges other into s, returning the sum.
func (s Stats) Add(other Stats) Stats {
	return Stats{
		FilesCopied:    s.FilesCopied + other.FilesCopied,
		FilesUnchanged: s.FilesUnchanged + other.FilesUnchanged,
		FilesMissing:   s.FilesMissing + other.FilesMissing,
		BytesWritten:   s.BytesWritten + other.BytesWritten,
		BytesRead:      s.BytesRead + other.BytesRead,
	}
}

// String renders a human-readable one-line summary for the end-of-run
// report.
func (s Stats) String() string {
	return fmt.Sprintf("%d copied, %d unchanged, %d missing, %s written (%s read)",
		s.FilesCopied, s.FilesUnchanged, s.FilesMissing,
		humanize.Bytes(uint64(s.BytesWritten)), humanize.Bytes(uint64(s.BytesRead)))
}
