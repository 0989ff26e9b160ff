package file

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Every page starts with a common header:
//
//	+----------+------+-------+----------+---------+------+------+------+----------+
//	| checksum | type | flags | reserved | pageLSN | prev | next | aux  | reserved |
//	|    4     |  1   |   1   |    2     |    8    |  4   |  4   |  4   |    4     |
//	+----------+------+-------+----------+---------+------+------+------+----------+
//
// The checksum covers everything after the checksum field. A page that is all
// zeroes has never been written and is considered valid.
const (
	PageHeaderSize = 32

	offChecksum = 0
	offType     = 4
	offFlags    = 5
	offLSN      = 8
	offPrev     = 16
	offNext     = 20
	offAux      = 24
)

// PageType tags the role of a page within a data file.
type PageType uint8

const (
	PageFree PageType = iota
	PageHeader
	PageMeta
	PageInternal
	PageLeaf
	PageOverflow
)

func (t PageType) String() string {
	switch t {
	case PageFree:
		return "free"
	case PageHeader:
		return "header"
	case PageMeta:
		return "meta"
	case PageInternal:
		return "internal"
	case PageLeaf:
		return "leaf"
	case PageOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Page provides offset-based access to a fixed-size byte slice that
// corresponds to a disk block. Integers are encoded in the byte order the
// owning file was created with.
type Page struct {
	buf   []byte
	order binary.ByteOrder
}

// NewPage creates a new zeroed page of the given size.
func NewPage(size int, order binary.ByteOrder) *Page {
	return &Page{buf: make([]byte, size), order: order}
}

// NewPageFromBuf wraps an existing buffer without copying it.
func NewPageFromBuf(buf []byte, order binary.ByteOrder) *Page {
	return &Page{buf: buf, order: order}
}

// Buf returns the underlying byte slice of the page.
func (p *Page) Buf() []byte {
	return p.buf
}

func (p *Page) Size() int {
	return len(p.buf)
}

func (p *Page) Order() binary.ByteOrder {
	return p.order
}

// Reset zeroes the whole page.
func (p *Page) Reset() {
	clear(p.buf)
}

// CopyFrom replaces the page contents with src. src must be the page size.
func (p *Page) CopyFrom(src []byte) {
	copy(p.buf, src)
}

// Format zeroes the page and stamps a fresh header of the given type.
func (p *Page) Format(t PageType) {
	clear(p.buf)
	p.buf[offType] = byte(t)
}

func (p *Page) Type() PageType {
	return PageType(p.buf[offType])
}

func (p *Page) SetType(t PageType) {
	p.buf[offType] = byte(t)
}

func (p *Page) Flags() uint8 {
	return p.buf[offFlags]
}

func (p *Page) SetFlags(f uint8) {
	p.buf[offFlags] = f
}

// LSN returns the LSN of the last log record applied to this page.
func (p *Page) LSN() uint64 {
	return p.order.Uint64(p.buf[offLSN:])
}

func (p *Page) SetLSN(lsn uint64) {
	p.order.PutUint64(p.buf[offLSN:], lsn)
}

func (p *Page) Prev() uint32 {
	return p.order.Uint32(p.buf[offPrev:])
}

func (p *Page) SetPrev(n uint32) {
	p.order.PutUint32(p.buf[offPrev:], n)
}

func (p *Page) Next() uint32 {
	return p.order.Uint32(p.buf[offNext:])
}

func (p *Page) SetNext(n uint32) {
	p.order.PutUint32(p.buf[offNext:], n)
}

func (p *Page) Aux() uint32 {
	return p.order.Uint32(p.buf[offAux:])
}

func (p *Page) SetAux(n uint32) {
	p.order.PutUint32(p.buf[offAux:], n)
}

// Body returns the bytes after the common header.
func (p *Page) Body() []byte {
	return p.buf[PageHeaderSize:]
}

// Seal computes and stores the page checksum.
func (p *Page) Seal() {
	p.order.PutUint32(p.buf[offChecksum:], crc32.Checksum(p.buf[offChecksum+4:], castagnoli))
}

// Verify reports whether the stored checksum matches the contents.
func (p *Page) Verify() bool {
	want := p.order.Uint32(p.buf[offChecksum:])
	if want == 0 && isZero(p.buf) {
		return true
	}
	return want == crc32.Checksum(p.buf[offChecksum+4:], castagnoli)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// WriteUint32At writes a uint32 value to the page at a specific offset.
// It returns an io.EOF error if the write would exceed the page's bounds.
func (p *Page) WriteUint32At(offset int, n uint32) error {
	if offset < 0 || offset+4 > len(p.buf) {
		return io.EOF
	}
	p.order.PutUint32(p.buf[offset:], n)
	return nil
}

// ReadUint32At reads a uint32 value from the page at a specific offset.
// It returns an io.EOF error if the read would exceed the page's bounds.
func (p *Page) ReadUint32At(offset int) (uint32, error) {
	if offset < 0 || offset+4 > len(p.buf) {
		return 0, io.EOF
	}
	return p.order.Uint32(p.buf[offset:]), nil
}

// WriteUint64At writes a uint64 value to the page at a specific offset.
func (p *Page) WriteUint64At(offset int, n uint64) error {
	if offset < 0 || offset+8 > len(p.buf) {
		return io.EOF
	}
	p.order.PutUint64(p.buf[offset:], n)
	return nil
}

// ReadUint64At reads a uint64 value from the page at a specific offset.
func (p *Page) ReadUint64At(offset int) (uint64, error) {
	if offset < 0 || offset+8 > len(p.buf) {
		return 0, io.EOF
	}
	return p.order.Uint64(p.buf[offset:]), nil
}

// WriteBytesAt writes a byte slice to the page at a specific offset.
// It first writes the length of the slice as a 4-byte integer, followed by the
// bytes of the slice itself.
// It returns an io.EOF error if the write would exceed the page's bounds.
func (p *Page) WriteBytesAt(offset int, b []byte) error {
	if offset < 0 || offset+4+len(b) > len(p.buf) {
		return io.EOF
	}
	p.order.PutUint32(p.buf[offset:], uint32(len(b)))
	copy(p.buf[offset+4:], b)
	return nil
}

// ReadBytesAt reads a length-prefixed byte slice from the page at a
// specific offset. The returned slice is a copy.
// It returns an io.EOF error if the read would exceed the page's bounds.
func (p *Page) ReadBytesAt(offset int) ([]byte, error) {
	length, err := p.ReadUint32At(offset)
	if err != nil {
		return nil, err
	}
	if offset+4+int(length) > len(p.buf) {
		return nil, io.EOF
	}

	b := make([]byte, length)
	copy(b, p.buf[offset+4:offset+4+int(length)])
	return b, nil
}

// WriteStringAt writes a length-prefixed string to the page.
func (p *Page) WriteStringAt(offset int, s string) error {
	return p.WriteBytesAt(offset, []byte(s))
}

// ReadStringAt reads a length-prefixed string from the page.
func (p *Page) ReadStringAt(offset int) (string, error) {
	b, err := p.ReadBytesAt(offset)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
