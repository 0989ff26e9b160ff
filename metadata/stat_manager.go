package metadata

import (
	"sort"
	"sync"
	"time"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/index"
	"ariesdb/log"
	"ariesdb/recovery"
	"ariesdb/transaction"
)

// IndexStat is the statistics of one index plus the size of its file.
type IndexStat struct {
	Name   string
	FileID uint32
	index.Stats
	FileBytes int64
}

// StatInfo is a snapshot of every engine counter.
type StatInfo struct {
	Taken       time.Time
	Pool        buffer.Stats
	Log         log.Stats
	Files       file.Stats
	Txns        transaction.Stats
	Checkpoints recovery.CheckpointStats
	Indexes     []IndexStat
}

// Sources are the components a StatManager reads from. Indexes returns the
// open indexes.
type Sources struct {
	Files       *file.Manager
	Log         *log.Manager
	Pool        *buffer.Manager
	Txns        *transaction.Manager
	Checkpoints *recovery.Checkpointer
	Indexes     func() []*index.Tree
}

// refreshEvery is how many snapshots reuse the file sizes measured before.
const refreshEvery = 100

type StatManager struct {
	mu       sync.Mutex
	src      Sources
	sizes    map[uint32]int64
	numCalls int
}

func NewStatManager(src Sources) *StatManager {
	return &StatManager{src: src, sizes: make(map[uint32]int64)}
}

// GetStatInfo collects the counters. File sizes need a stat call per file
// and are only measured again every refreshEvery calls, or for files not
// seen before.
func (sm *StatManager) GetStatInfo() StatInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.numCalls++
	if sm.numCalls > refreshEvery {
		sm.sizes = make(map[uint32]int64)
		sm.numCalls = 0
	}

	info := StatInfo{
		Taken: time.Now(),
		Pool:  sm.src.Pool.Stats(),
		Log:   sm.src.Log.Stats(),
		Files: sm.src.Files.Stats(),
		Txns:  sm.src.Txns.Stats(),
	}
	if sm.src.Checkpoints != nil {
		info.Checkpoints = sm.src.Checkpoints.Stats()
	}
	if sm.src.Indexes == nil {
		return info
	}
	for _, t := range sm.src.Indexes() {
		size, ok := sm.sizes[t.FileID()]
		if !ok {
			if pages, err := sm.src.Files.Size(t.FileID()); err == nil {
				size = int64(pages) * int64(sm.src.Files.PageSize())
				sm.sizes[t.FileID()] = size
			}
		}
		info.Indexes = append(info.Indexes, IndexStat{Name: t.Name(), FileID: t.FileID(), Stats: t.Stats(), FileBytes: size})
	}
	sort.Slice(info.Indexes, func(i, j int) bool { return info.Indexes[i].FileID < info.Indexes[j].FileID })
	return info
}
