package log

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

/*
Log segment file
──────────────────────────────────────────────
| Segment header (64) | Frame | Frame | ...  |
──────────────────────────────────────────────

Segment header: magic (8) | byte order marker (4) | base LSN (8) | env id (16) | pad

Each frame:
──────────────────────────────────────────────────────────────
| length (4) | type (1) | lsn (8) | checksum (4) | payload ... |
──────────────────────────────────────────────────────────────

The LSN of a frame is its byte offset in the log stream: segment base plus
offset inside the segment. The checksum is CRC-32C over length, type, lsn and
the payload.
*/
const (
	SegmentHeaderSize = 64
	FrameHeaderSize   = 17

	maxPayload = 64 << 20

	segmentPrefix = "log."
)

var segmentMagic = [8]byte{'A', 'R', 'I', 'E', 'S', 'L', 'O', 'G'}

const orderMarker uint32 = 0x0A0B0C0D

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type segment struct {
	base uint64
	path string
	f    *os.File
	size int64 // bytes handed to the OS, header included
}

func segmentName(base uint64) string {
	return fmt.Sprintf("%s%016x", segmentPrefix, base)
}

// end is the LSN just past the last byte written to this segment.
func (s *segment) end() uint64 {
	return s.base + uint64(s.size)
}

func createSegment(dir string, base uint64, order binary.ByteOrder, envID uuid.UUID) (*segment, error) {
	path := filepath.Join(dir, segmentName(base))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, SegmentHeaderSize)
	copy(hdr, segmentMagic[:])
	order.PutUint32(hdr[8:], orderMarker)
	order.PutUint64(hdr[12:], base)
	copy(hdr[20:36], envID[:])
	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &segment{base: base, path: path, f: f, size: SegmentHeaderSize}, nil
}

// openSegment opens an existing segment and validates its header.
func openSegment(path string) (*segment, binary.ByteOrder, uuid.UUID, error) {
	var envID uuid.UUID
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, envID, err
	}

	hdr := make([]byte, SegmentHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, nil, envID, fmt.Errorf("%w: segment header of %s: %v", ErrCorruption, path, err)
	}
	if !bytes.Equal(hdr[:8], segmentMagic[:]) {
		f.Close()
		return nil, nil, envID, fmt.Errorf("%w: bad segment magic in %s", ErrCorruption, path)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(hdr[8:]) == orderMarker:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(hdr[8:]) == orderMarker:
		order = binary.BigEndian
	default:
		f.Close()
		return nil, nil, envID, fmt.Errorf("%w: bad byte order marker in %s", ErrCorruption, path)
	}
	copy(envID[:], hdr[20:36])

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, envID, err
	}
	return &segment{
		base: order.Uint64(hdr[12:]),
		path: path,
		f:    f,
		size: info.Size(),
	}, order, envID, nil
}

// listSegments returns the segment file paths of dir sorted by base LSN.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type named struct {
		base uint64
		path string
	}
	var found []named
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), segmentPrefix) {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), segmentPrefix), 16, 64)
		if err != nil {
			continue
		}
		found = append(found, named{base, filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].base < found[j].base })

	paths := make([]string, len(found))
	for i, n := range found {
		paths[i] = n.path
	}
	return paths, nil
}

// encodeFrame builds a complete frame for a record body.
func encodeFrame(order binary.ByteOrder, t Type, lsn uint64, payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	order.PutUint32(frame[0:], uint32(len(payload)))
	frame[4] = byte(t)
	order.PutUint64(frame[5:], lsn)
	copy(frame[FrameHeaderSize:], payload)

	sum := crc32.Checksum(frame[0:13], castagnoli)
	sum = crc32.Update(sum, castagnoli, payload)
	order.PutUint32(frame[13:], sum)
	return frame
}

// readFrame reads and validates the frame at offset off of r. The returned
// error wraps ErrCorruption for bad frames and io.EOF / io.ErrUnexpectedEOF
// for a truncated tail.
func readFrame(r io.ReaderAt, order binary.ByteOrder, off int64, wantLSN uint64) (Type, []byte, error) {
	hdr := make([]byte, FrameHeaderSize)
	if n, err := r.ReadAt(hdr, off); err != nil {
		if err == io.EOF && n > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	length := order.Uint32(hdr[0:])
	t := Type(hdr[4])
	lsn := order.Uint64(hdr[5:])
	sum := order.Uint32(hdr[13:])
	if length == 0 && t == 0 && lsn == 0 && sum == 0 {
		// Preallocated or zeroed tail.
		return 0, nil, io.EOF
	}
	if length > maxPayload || t >= maxType {
		return 0, nil, fmt.Errorf("%w: bad frame header at lsn %d", ErrCorruption, wantLSN)
	}
	if lsn != wantLSN {
		return 0, nil, fmt.Errorf("%w: frame at lsn %d claims lsn %d", ErrCorruption, wantLSN, lsn)
	}

	payload := make([]byte, length)
	if _, err := r.ReadAt(payload, off+FrameHeaderSize); err != nil {
		if err == io.EOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	got := crc32.Checksum(hdr[0:13], castagnoli)
	got = crc32.Update(got, castagnoli, payload)
	if got != sum {
		return 0, nil, fmt.Errorf("%w: checksum mismatch at lsn %d", ErrCorruption, wantLSN)
	}
	return t, payload, nil
}
