package log

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Type is the semantic kind of a log record.
type Type uint8

const (
	Noop Type = iota
	TxnBegin
	TxnCommit
	TxnAbort
	TxnPrepare
	AddRem
	Split
	RevSplit
	Overflow
	Free
	Descriptor
	Checkpoint
	maxType
)

func (t Type) String() string {
	switch t {
	case Noop:
		return "noop"
	case TxnBegin:
		return "begin"
	case TxnCommit:
		return "commit"
	case TxnAbort:
		return "abort"
	case TxnPrepare:
		return "prepare"
	case AddRem:
		return "addrem"
	case Split:
		return "split"
	case RevSplit:
		return "revsplit"
	case Free:
		return "free"
	case Overflow:
		return "overflow"
	case Descriptor:
		return "descriptor"
	case Checkpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// IsPageUpdate reports whether records of this type modify data pages and
// therefore take part in redo.
func (t Type) IsPageUpdate() bool {
	switch t {
	case AddRem, Split, RevSplit, Overflow, Free, Descriptor:
		return true
	}
	return false
}

// PageImage is a full after-image of one page, used by structure changes.
type PageImage struct {
	PageNo uint32 `msgpack:"p"`
	Data   []byte `msgpack:"d"`
}

// MetaState is the after-state of an index meta page.
type MetaState struct {
	Page        uint32 `msgpack:"page"`
	Root        uint32 `msgpack:"root"`
	OldRoot     uint32 `msgpack:"old_root,omitempty"`
	Height      uint32 `msgpack:"height"`
	FreeHead    uint32 `msgpack:"free"`
	HighWater   uint32 `msgpack:"hw"`
	NKeys       int64  `msgpack:"nkeys"`
	DataSize    int64  `msgpack:"size"`
	DescVersion uint64 `msgpack:"dv"`
}

// StatsDelta adjusts the key count and data size kept on an index meta page.
type StatsDelta struct {
	Page uint32 `msgpack:"page"`
	Keys int64  `msgpack:"keys"`
	Size int64  `msgpack:"size"`
}

// DescriptorState is the persistent part of an index descriptor.
type DescriptorState struct {
	Version    uint64 `msgpack:"v"`
	Comparator string `msgpack:"cmp"`
	Schema     []byte `msgpack:"schema,omitempty"`
}

// TxEntry describes one transaction in a checkpoint.
type TxEntry struct {
	ID       uint64 `msgpack:"id"`
	ParentID uint64 `msgpack:"parent,omitempty"`
	LastLSN  uint64 `msgpack:"last"`
	UndoNext uint64 `msgpack:"undo,omitempty"`
	Prepared bool   `msgpack:"prepared,omitempty"`
}

// DirtyEntry describes one dirty page in a checkpoint.
type DirtyEntry struct {
	FileID uint32 `msgpack:"f"`
	PageNo uint32 `msgpack:"p"`
	RecLSN uint64 `msgpack:"r"`
}

// CheckpointState is the body of a checkpoint record.
type CheckpointState struct {
	BeginLSN   uint64       `msgpack:"begin"`
	Timestamp  int64        `msgpack:"ts"`
	NextTxID   uint64       `msgpack:"next_tx"`
	ActiveTxs  []TxEntry    `msgpack:"txs,omitempty"`
	DirtyPages []DirtyEntry `msgpack:"dirty,omitempty"`
}

// LockEntry is a held lock, logged by prepare so that recovery can
// reinstate the locks of an in-doubt transaction.
type LockEntry struct {
	Object string `msgpack:"o"`
	Mode   uint8  `msgpack:"m"`
}

// Record is one entry of the write-ahead log. LSN and Type live in the frame
// header; everything else is the msgpack-encoded body. Which body fields are
// meaningful depends on Type.
type Record struct {
	LSN  uint64 `msgpack:"-"`
	Type Type   `msgpack:"-"`

	TxID      uint64 `msgpack:"tx,omitempty"`
	ParentID  uint64 `msgpack:"parent,omitempty"`
	PrevLSN   uint64 `msgpack:"prev,omitempty"`
	FileID    uint32 `msgpack:"file,omitempty"`
	PageNo    uint32 `msgpack:"page,omitempty"`
	Timestamp int64  `msgpack:"ts,omitempty"`

	// Compensation records.
	CLR      bool   `msgpack:"clr,omitempty"`
	UndoNext uint64 `msgpack:"undo_next,omitempty"`

	// AddRem: one leaf slot is added or removed. Value is the logical value
	// (needed for undo); ValueRef is the overflow head page when the slot
	// stores the value out of line.
	Slot     int         `msgpack:"slot,omitempty"`
	Add      bool        `msgpack:"add,omitempty"`
	Key      []byte      `msgpack:"key,omitempty"`
	Value    []byte      `msgpack:"val,omitempty"`
	ValueRef uint32      `msgpack:"ref,omitempty"`
	ValueLen uint32      `msgpack:"vlen,omitempty"`
	Stats    *StatsDelta `msgpack:"stats,omitempty"`

	// Structure changes (Split, RevSplit, Overflow, Free, Descriptor) carry
	// the after-image of every page they touch, sibling links and free list
	// pointers included, plus the new meta state. One record is one atomic
	// change.
	Images []PageImage `msgpack:"images,omitempty"`

	MetaState  *MetaState       `msgpack:"meta,omitempty"`
	Desc       *DescriptorState `msgpack:"desc,omitempty"`
	PrevDesc   *DescriptorState `msgpack:"pdesc,omitempty"`
	Checkpoint *CheckpointState `msgpack:"ckp,omitempty"`
	Locks      []LockEntry      `msgpack:"locks,omitempty"`
}

func (r *Record) String() string {
	return fmt.Sprintf("%s lsn=%d tx=%d prev=%d page=%d:%d", r.Type, r.LSN, r.TxID, r.PrevLSN, r.FileID, r.PageNo)
}

// Pages lists the data pages touched by the record.
func (r *Record) Pages() []uint32 {
	if !r.Type.IsPageUpdate() {
		return nil
	}
	var pages []uint32
	if len(r.Images) == 0 {
		pages = append(pages, r.PageNo)
	}
	for _, img := range r.Images {
		pages = append(pages, img.PageNo)
	}
	if r.MetaState != nil {
		pages = append(pages, r.MetaState.Page)
	}
	if r.Stats != nil {
		pages = append(pages, r.Stats.Page)
	}
	return pages
}

const (
	flagSnappy = 1 << 0

	compressThreshold = 256
)

// encodeBody serializes the record body: one flags byte followed by the
// msgpack document, snappy-compressed when that actually saves space.
func encodeBody(r *Record) ([]byte, error) {
	body, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", r.Type, err)
	}
	if len(body) >= compressThreshold {
		compressed := snappy.Encode(nil, body)
		if len(compressed) < len(body) {
			return append([]byte{flagSnappy}, compressed...), nil
		}
	}
	return append([]byte{0}, body...), nil
}

func decodeBody(payload []byte, r *Record) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrCorruption)
	}
	body := payload[1:]
	if payload[0]&flagSnappy != 0 {
		dec, err := snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("%w: snappy decode: %v", ErrCorruption, err)
		}
		body = dec
	}
	if err := msgpack.Unmarshal(body, r); err != nil {
		return fmt.Errorf("%w: msgpack decode: %v", ErrCorruption, err)
	}
	return nil
}
