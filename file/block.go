package file

import "fmt"

// BlockID identifies a page on disk by the file it lives in and its page number.
type BlockID struct {
	FileID uint32
	Number uint32
}

func NewBlockID(fileID, number uint32) BlockID {
	return BlockID{FileID: fileID, Number: number}
}

func (b BlockID) String() string {
	return fmt.Sprintf("%d:%d", b.FileID, b.Number)
}

// Key packs the block into a single integer, handy for map keys and hashing.
func (b BlockID) Key() uint64 {
	return uint64(b.FileID)<<32 | uint64(b.Number)
}
