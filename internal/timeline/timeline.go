// Package timeline implements the Timeline Reconciler (spec.md §4.3):
// given the source's timeline history, it checks the destination's
// (timeline, LSN) pair is reachable from that history.
package timeline

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

// HistoryEntry is one line of a .history file: (timeline id, switch LSN,
// previous timeline) — spec.md §3 "Timeline history entry".
type HistoryEntry struct {
	TimelineID     uint32
	SwitchLSN      lsn.LSN
	PreviousTimeline uint32
}

// History is a source's timeline history, ordered oldest first.
type History []HistoryEntry

// ParseHistory parses the content of a N.history file as returned by the
// replication protocol's TIMELINE_HISTORY command: lines of
// "<tli>\t<lsn>\t<comment...>", blank lines and '#' comments ignored.
//
// Each line's own tli field names the timeline that *ended* at that LSN,
// not the one that began there — PostgreSQL writes one row per ancestor,
// keyed by the ancestor's own id. Reachable needs the opposite labeling
// (each entry keyed by the timeline it bounds, i.e. the one that *starts*
// at SwitchLSN), so sourceTimeline — the id of the newest branch, which
// has no row of its own since it never ended — is required to shift the
// last entry, and every other entry borrows the next row's raw id.
func ParseHistory(content []byte, sourceTimeline uint32) (History, error) {
	var raw History
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("timeline: malformed history line %q", line)
		}
		tli, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("timeline: bad timeline id %q: %w", fields[0], err)
		}
		switchLSN, err := lsn.Parse(fields[1])
		if err != nil {
			return nil, fmt.Errorf("timeline: bad switch lsn %q: %w", fields[1], err)
		}
		raw = append(raw, HistoryEntry{TimelineID: uint32(tli), SwitchLSN: switchLSN})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	h := make(History, len(raw))
	for i, row := range raw {
		childTLI := sourceTimeline
		if i+1 < len(raw) {
			childTLI = raw[i+1].TimelineID
		}
		h[i] = HistoryEntry{
			TimelineID:       childTLI,
			SwitchLSN:        row.SwitchLSN,
			PreviousTimeline: row.TimelineID,
		}
	}
	return h, nil
}

// Reachable implements spec.md §4.3's containment check: the destination's
// timeline must equal some entry in the source history (or equal the
// source's own current timeline, for the newest branch which has no
// history-file row yet), and the destination's LSN must not exceed the
// switch LSN into the next timeline on that branch.
//
// If sourceTimeline == 1, history is necessarily empty and the destination
// must also be on timeline 1 (no reconciliation needed).
func Reachable(history History, sourceTimeline uint32, destTimeline uint32, destLSN lsn.LSN) error {
	if sourceTimeline == 1 {
		if destTimeline != 1 {
			return errkind.New(errkind.TimelineDivergence,
				fmt.Sprintf("source is on timeline 1 but destination is on timeline %d", destTimeline))
		}
		return nil
	}

	if destTimeline == sourceTimeline {
		// Destination is already on the source's current (newest) branch;
		// there is no "next switch" bound to check.
		return nil
	}

	if len(history) > 0 && destTimeline == history[0].PreviousTimeline {
		// destTimeline is the root of the chain, which has no entry of its
		// own; it ended where the first recorded branch began.
		if destLSN > history[0].SwitchLSN {
			return errkind.New(errkind.TimelineDivergence,
				fmt.Sprintf("destination lsn %s exceeds switch lsn %s out of timeline %d", destLSN, history[0].SwitchLSN, destTimeline))
		}
		return nil
	}

	for i, entry := range history {
		if entry.TimelineID != destTimeline {
			continue
		}
		// entry.SwitchLSN is where destTimeline began; the next entry's
		// SwitchLSN is where history moved *away* from it onto the next
		// branch, and the destination's LSN must not exceed that point.
		if i+1 >= len(history) {
			// destTimeline is the last recorded entry yet not the source's
			// current timeline (a history not shaped by ParseHistory); its
			// own SwitchLSN is used as the bound.
			if destLSN > entry.SwitchLSN {
				return errkind.New(errkind.TimelineDivergence,
					fmt.Sprintf("destination lsn %s exceeds switch lsn %s out of timeline %d", destLSN, entry.SwitchLSN, destTimeline))
			}
			return nil
		}
		bound := history[i+1].SwitchLSN
		if destLSN > bound {
			return errkind.New(errkind.TimelineDivergence,
				fmt.Sprintf("destination lsn %s exceeds switch lsn %s out of timeline %d", destLSN, bound, destTimeline))
		}
		return nil
	}

	return errkind.New(errkind.TimelineDivergence,
		fmt.Sprintf("destination timeline %d not found in source history for timeline %d", destTimeline, sourceTimeline))
}
