package transfer

import (
	"encoding/binary"
	"io"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/lsn"
)

// pageHeaderLSNHi/Lo locate PostgreSQL's PageXLogRecPtr (the pd_lsn field)
// at the very start of every page header: a 4-byte "xlogid" holding the
// LSN's high 32 bits, then a 4-byte "xrecoff" holding the low 32 bits
// (bufpage.h). Both are little-endian on every platform PostgreSQL builds
// for in practice.
const (
	pageHeaderLSNHi = 0
	pageHeaderLSNLo = 4
	pageHeaderLSNLen = pageHeaderLSNLo + 4
)

// changedPagesSince scans src one BLCKSZ page at a time and returns the
// byte ranges of every page whose header LSN exceeds sinceLSN (spec.md
// §4.8, "sync LSN = destination redo LSN"). A page whose header carries no
// LSN at all is always included: PostgreSQL never leaves a page that way
// once it has been written, so a zero reading here means either a
// genuinely new, not-yet-WAL-logged page or a short/torn read, and both
// must be copied rather than assumed unchanged.
func changedPagesSince(src io.ReaderAt, size int64, sinceLSN lsn.LSN) ([]ByteRange, error) {
	var ranges []ByteRange
	buf := make([]byte, pageHeaderLSNLen)
	for offset := int64(0); offset < size; offset += pageSize {
		length := int64(pageSize)
		if offset+length > size {
			length = size - offset
		}
		if length < int64(len(buf)) {
			ranges = append(ranges, ByteRange{Offset: offset, Length: length})
			continue
		}
		if _, err := src.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, errkind.Wrap(err, errkind.IOFailure, "read page header for delta comparison")
		}
		hi := binary.LittleEndian.Uint32(buf[pageHeaderLSNHi:])
		lo := binary.LittleEndian.Uint32(buf[pageHeaderLSNLo:])
		pageLSN := lsn.LSN(uint64(hi)<<32 | uint64(lo))
		if pageLSN == 0 || pageLSN > sinceLSN {
			ranges = append(ranges, ByteRange{Offset: offset, Length: length})
		}
	}
	return ranges, nil
}
