package file

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// Version of the on-disk data file format.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

var magic = [8]byte{'A', 'R', 'I', 'E', 'S', 'D', 'B', 0}

const byteOrderMarker uint32 = 0x01020304

// Header field offsets inside page 0.
const (
	hdrMagic    = PageHeaderSize
	hdrMarker   = hdrMagic + 8
	hdrPageSize = hdrMarker + 4
	hdrVersion  = hdrPageSize + 4
	hdrFileID   = hdrVersion + 8
	hdrEnvID    = hdrFileID + 4
	hdrName     = hdrEnvID + 16
)

// Header is the content of page 0 of every data file. It is written once when
// the file is created and never changes afterwards.
type Header struct {
	PageSize uint32
	Major    uint16
	Minor    uint16
	Patch    uint16
	Order    binary.ByteOrder
	FileID   uint32
	EnvID    uuid.UUID
	Name     string
}

// Encode writes the header into p, which must be a full page.
func (h *Header) Encode(p *Page) error {
	p.Format(PageHeader)
	buf := p.Buf()
	copy(buf[hdrMagic:], magic[:])
	h.Order.PutUint32(buf[hdrMarker:], byteOrderMarker)
	h.Order.PutUint32(buf[hdrPageSize:], h.PageSize)
	h.Order.PutUint16(buf[hdrVersion:], h.Major)
	h.Order.PutUint16(buf[hdrVersion+2:], h.Minor)
	h.Order.PutUint16(buf[hdrVersion+4:], h.Patch)
	h.Order.PutUint32(buf[hdrFileID:], h.FileID)
	copy(buf[hdrEnvID:], h.EnvID[:])
	if err := p.WriteStringAt(hdrName, h.Name); err != nil {
		return fmt.Errorf("index name %q does not fit in header: %w", h.Name, err)
	}
	p.Seal()
	return nil
}

// DecodeHeader parses page 0. The byte order is detected from the marker so
// the caller does not need to know it in advance.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < hdrName+4 {
		return nil, fmt.Errorf("%w: header page too small", ErrCorruption)
	}
	if !bytes.Equal(buf[hdrMagic:hdrMagic+8], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruption)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf[hdrMarker:]) == byteOrderMarker:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf[hdrMarker:]) == byteOrderMarker:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown byte order marker", ErrCorruption)
	}

	h := &Header{
		PageSize: order.Uint32(buf[hdrPageSize:]),
		Major:    order.Uint16(buf[hdrVersion:]),
		Minor:    order.Uint16(buf[hdrVersion+2:]),
		Patch:    order.Uint16(buf[hdrVersion+4:]),
		Order:    order,
		FileID:   order.Uint32(buf[hdrFileID:]),
	}
	copy(h.EnvID[:], buf[hdrEnvID:hdrEnvID+16])

	if int(h.PageSize) != len(buf) {
		return nil, fmt.Errorf("%w: page size %d does not match buffer of %d", ErrCorruption, h.PageSize, len(buf))
	}
	p := NewPageFromBuf(buf, order)
	if !p.Verify() {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrCorruption)
	}
	name, err := p.ReadStringAt(hdrName)
	if err != nil {
		return nil, fmt.Errorf("%w: header name: %v", ErrCorruption, err)
	}
	h.Name = name
	if h.Major != VersionMajor {
		return nil, fmt.Errorf("unsupported file version %d.%d.%d", h.Major, h.Minor, h.Patch)
	}
	return h, nil
}

// ReadHeader reads the header of the data file at path. The page size is
// discovered from the header itself.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}
	defer f.Close()

	prefix := make([]byte, hdrName)
	if _, err := io.ReadFull(f, prefix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	var size uint32
	switch {
	case binary.LittleEndian.Uint32(prefix[hdrMarker:]) == byteOrderMarker:
		size = binary.LittleEndian.Uint32(prefix[hdrPageSize:])
	case binary.BigEndian.Uint32(prefix[hdrMarker:]) == byteOrderMarker:
		size = binary.BigEndian.Uint32(prefix[hdrPageSize:])
	default:
		return nil, fmt.Errorf("%w: unknown byte order marker", ErrCorruption)
	}
	if size < 512 || size > 1<<20 {
		return nil, fmt.Errorf("%w: implausible page size %d", ErrCorruption, size)
	}

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return DecodeHeader(buf)
}

// VerifyReport summarizes a data file verification.
type VerifyReport struct {
	Header    *Header
	FileSize  int64
	Pages     int64
	BadPages  []uint32
	ZeroPages int64
}

// Verify sanity-checks a data file: magic, size modulo page size and the
// checksum of every page.
func Verify(path string) (*VerifyReport, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, classify(err)
	}

	report := &VerifyReport{Header: h, FileSize: info.Size()}
	if info.Size()%int64(h.PageSize) != 0 {
		return report, fmt.Errorf("%w: file size %d is not a multiple of page size %d", ErrCorruption, info.Size(), h.PageSize)
	}
	report.Pages = info.Size() / int64(h.PageSize)

	page := NewPage(int(h.PageSize), h.Order)
	for n := int64(0); n < report.Pages; n++ {
		if _, err := f.ReadAt(page.Buf(), n*int64(h.PageSize)); err != nil {
			return report, fmt.Errorf("%w: page %d: %v", ErrShortRead, n, err)
		}
		if isZero(page.Buf()) {
			report.ZeroPages++
			continue
		}
		if !page.Verify() {
			report.BadPages = append(report.BadPages, uint32(n))
		}
	}
	if len(report.BadPages) > 0 {
		return report, fmt.Errorf("%w: %d pages fail checksum", ErrCorruption, len(report.BadPages))
	}
	return report, nil
}
