package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/inventory"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

// pageSize is PostgreSQL's default BLCKSZ. The Change-Map Builder's
// bitmaps are indexed in these units (spec.md §4.7, §9).
const pageSize = 8192

// ByteRange is a [Offset, Offset+Length) span the Copier must transfer.
type ByteRange struct {
	Offset int64
	Length int64
}

// Copier is the capability interface the Transfer Scheduler drives per
// file. It is split into four steps — open the source, plan which ranges
// need copying, write them to the destination, and finalize — because the
// block-level delta computation and the per-page copy primitive are the
// external collaborators spec.md §1 places out of scope: a different
// source transport (e.g. over SSH) only has to satisfy OpenSource, not
// reimplement the whole scheduler.
type Copier interface {
	OpenSource(ctx context.Context, relPath string) (io.ReaderAt, int64, error)
	RangePlan(ctx context.Context, e *inventory.Entry, src io.ReaderAt, size int64) ([]ByteRange, error)
	WriteDestination(ctx context.Context, destPath string, src io.ReaderAt, ranges []ByteRange) (written int64, err error)
	Finalize(ctx context.Context, destPath string) error
}

// LocalCopier implements Copier against two local directory trees, the
// configuration integration tests exercise when source and destination
// share a host (spec.md §1's "co-located" case; the SSH case is
// internal/remotefs's concern, not this package's).
//
// DestRedoLSN is the destination's last checkpoint redo LSN (spec.md
// §4.8's "sync LSN"), the bound a DELTA-mode data file's per-page header
// LSN is compared against; zero (invalid) in FULL mode, where it is never
// consulted.
type LocalCopier struct {
	SourceDir   string
	DestRedoLSN lsn.LSN
}

func (c *LocalCopier) OpenSource(ctx context.Context, relPath string) (io.ReaderAt, int64, error) {
	f, err := os.Open(filepath.Join(c.SourceDir, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, errkind.Wrap(err, errkind.IOFailure, "open source file "+relPath)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, errkind.Wrap(err, errkind.IOFailure, "stat source file "+relPath)
	}
	return f, info.Size(), nil
}

// RangePlan returns the whole file for a non-data file or a new data file;
// for a PTRACK-mode data file with a populated bitmap it returns only the
// pages the extension reports changed; for a DELTA-mode data file that
// already exists at the destination, it reads each page's own header LSN
// and returns only the pages whose LSN exceeds DestRedoLSN (spec.md §4.8's
// block-aware copier) — an empty result means every page already matches,
// which copyOne reports as inventory.WriteUnchanged (spec.md §8 scenario
// S2).
func (c *LocalCopier) RangePlan(ctx context.Context, e *inventory.Entry, src io.ReaderAt, size int64) ([]ByteRange, error) {
	if !e.IsDataFile {
		return []ByteRange{{Offset: 0, Length: size}}, nil
	}
	if len(e.PageBitmap) > 0 {
		ranges := make([]ByteRange, 0, len(e.PageBitmap))
		for _, block := range e.PageBitmap {
			offset := int64(block) * pageSize
			length := int64(pageSize)
			if offset+length > size {
				length = size - offset
			}
			if length <= 0 {
				continue
			}
			ranges = append(ranges, ByteRange{Offset: offset, Length: length})
		}
		return ranges, nil
	}
	if e.ExistsInPrev && c.DestRedoLSN.Valid() {
		return changedPagesSince(src, size, c.DestRedoLSN)
	}
	return []ByteRange{{Offset: 0, Length: size}}, nil
}

// WriteDestination opens destPath for writing (creating it if needed) and
// copies each requested range. Bytes outside the requested ranges are left
// as they were; a newly created file receives only those ranges.
func (c *LocalCopier) WriteDestination(ctx context.Context, destPath string, src io.ReaderAt, ranges []ByteRange) (int64, error) {
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, errkind.Wrap(err, errkind.IOFailure, "open destination file "+destPath)
	}
	defer dst.Close()

	var written int64
	for _, r := range ranges {
		if ctx.Err() != nil {
			return written, errkind.Wrap(ctx.Err(), errkind.Interrupted, "transfer cancelled")
		}
		n, err := io.Copy(io.NewOffsetWriter(dst, r.Offset), io.NewSectionReader(src, r.Offset, r.Length))
		if err != nil {
			return written, errkind.Wrap(err, errkind.IOFailure, "write destination range "+destPath)
		}
		written += n
	}
	return written, nil
}

// Finalize reopens destPath (WriteDestination's handle is already closed)
// and fsyncs the file's contents (mirrors the teacher's own "fsync
// everything touched" default). The containing directory is not fsynced.
func (c *LocalCopier) Finalize(ctx context.Context, destPath string) error {
	f, err := os.Open(destPath)
	if err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "reopen for fsync "+destPath)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errkind.Wrap(err, errkind.IOFailure, "fsync "+destPath)
	}
	return nil
}
