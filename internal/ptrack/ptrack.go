// Package ptrack implements the Change-Map Builder (spec.md §4.7): for
// PTRACK mode it validates the extension's tracked horizon against the
// destination's last checkpoint and turns its page bitmaps into a
// per-relation-file change map the Transfer Scheduler consults to skip
// unchanged blocks.
package ptrack

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

// Queryer is the subset of pgxpool.Pool / pgx.Conn this package needs.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ChangeMap is one data file's changed-page bitmap, one bit per
// BLCKSZ-sized page, as returned by ptrack_get_pagemapset.
type ChangeMap struct {
	RelPath string
	Bitmap  []byte
}

// TrackedSince returns the LSN ptrack has tracked changes from (its
// "initialization" or "enable" point — whichever is most recent), which
// must not exceed the destination's redo LSN for the change map to be
// trustworthy (spec.md §4.7).
func TrackedSince(ctx context.Context, q Queryer) (lsn.LSN, error) {
	var text string
	if err := q.QueryRow(ctx, `SELECT ptrack_init_lsn()`).Scan(&text); err != nil {
		return lsn.Invalid, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "ptrack_init_lsn")
	}
	return lsn.Parse(text)
}

// ValidateFreshness enforces spec.md §4.7: the tracked horizon must be a
// valid LSN, and it must not exceed the destination's last checkpoint redo
// LSN — otherwise ptrack does not cover the gap between the destination's
// last known state and now, and the change map cannot be trusted.
func ValidateFreshness(trackedSince, destRedoLSN lsn.LSN) error {
	if !trackedSince.Valid() {
		return errkind.New(errkind.BlockTrackingStale, "ptrack has not been initialized (tracked-since lsn is invalid)")
	}
	if trackedSince > destRedoLSN {
		return errkind.New(errkind.BlockTrackingStale,
			"ptrack tracked-since lsn "+trackedSince.String()+" exceeds destination checkpoint redo lsn "+destRedoLSN.String())
	}
	return nil
}

// BuildChangeMap queries ptrack_get_pagemapset(sinceLSN) and returns one
// ChangeMap per data file ptrack has a bitmap for. Files ptrack has no
// entry for are implicitly "fully changed" from the Transfer Scheduler's
// point of view — it is this package's caller's job to default to a full
// copy when the Map has no entry for a file.
func BuildChangeMap(ctx context.Context, q Queryer, sinceLSN lsn.LSN) ([]ChangeMap, error) {
	rows, err := q.Query(ctx, `SELECT path, pagemap FROM ptrack_get_pagemapset($1) WHERE pagemap IS NOT NULL`, sinceLSN.String())
	if err != nil {
		return nil, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "ptrack_get_pagemapset")
	}
	defer rows.Close()

	var out []ChangeMap
	for rows.Next() {
		var cm ChangeMap
		if err := rows.Scan(&cm.RelPath, &cm.Bitmap); err != nil {
			return nil, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "ptrack_get_pagemapset: scan row")
		}
		out = append(out, cm)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(err, errkind.DatabaseProtocolFailure, "ptrack_get_pagemapset: row iteration")
	}
	return out, nil
}

// Map indexes a []ChangeMap by relative path for the Transfer Scheduler's
// per-file lookups.
type Map map[string][]byte

// Index builds a Map from BuildChangeMap's output.
func Index(maps []ChangeMap) Map {
	m := make(Map, len(maps))
	for _, cm := range maps {
		m[cm.RelPath] = cm.Bitmap
	}
	return m
}

// PageChanged reports whether the page at blockNo (BLCKSZ units) is marked
// changed in bitmap. A relation with no entry in the Map is treated by the
// caller as fully changed; PageChanged only answers for bitmaps that exist.
func PageChanged(bitmap []byte, blockNo int64) bool {
	byteIdx := blockNo / 8
	if byteIdx < 0 || int(byteIdx) >= len(bitmap) {
		return true
	}
	bitIdx := uint(blockNo % 8)
	return bitmap[byteIdx]&(1<<bitIdx) != 0
}

// ChangedBlocks expands bitmap into the list of set block numbers, the form
// inventory.Entry.PageBitmap stores (spec.md §3 "File entry").
func ChangedBlocks(bitmap []byte) []uint32 {
	var out []uint32
	for i, b := range bitmap {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				out = append(out, uint32(i*8+bit))
			}
		}
	}
	return out
}
