package server

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"ariesdb/index"
	"ariesdb/logging"
	"ariesdb/recovery"
	"ariesdb/transaction"
)

// HomeEnv names the environment variable that overrides the environment
// directory given on the command line.
const HomeEnv = "ENV_HOME"

type Options struct {
	PageSize int
	// CacheSize is the buffer pool size in bytes.
	CacheSize int64
	// ValueCacheSize bounds the cache of overflow values, in bytes.
	ValueCacheSize int64
	LogSegmentSize int64

	// A checkpoint is taken every CheckpointInterval and after every
	// CheckpointRecords log records; zero turns either trigger off.
	CheckpointInterval time.Duration
	CheckpointRecords  uint64

	RecoveryMode recovery.Mode
	// RecoveryTimestamp is the target of PointInTime recovery.
	RecoveryTimestamp time.Time
	// RequireClean makes Open fail with ErrNeedsRecovery instead of
	// recovering an environment that was not shut down cleanly.
	RequireClean bool

	// SyncOnCommit false lets commits return before their record is on
	// disk. A crash can then lose committed transactions, never corrupt.
	SyncOnCommit bool
	// PrivateEnv skips the lock file that keeps other processes out.
	PrivateEnv bool

	DeadlockDetection transaction.DeadlockMode
	DeadlockInterval  time.Duration
	LockTimeout       time.Duration

	ByteOrder binary.ByteOrder
	// FileWeights raises the cache priority of the named indexes.
	FileWeights    map[string]uint32
	DirtyPenalty   uint32
	NoSpaceRetries int

	// Comparators are registered before any index is opened; every index
	// in the environment must find its comparator here or built in.
	Comparators map[string]index.Comparator

	Logger  *logrus.Logger
	Verbose bool
	Trace   []string
}

func DefaultOptions() Options {
	return Options{
		PageSize:           4096,
		CacheSize:          8 << 20,
		ValueCacheSize:     4 << 20,
		LogSegmentSize:     16 << 20,
		CheckpointInterval: 30 * time.Second,
		RecoveryMode:       recovery.Normal,
		SyncOnCommit:       true,
		DeadlockDetection:  transaction.Periodic,
		DeadlockInterval:   100 * time.Millisecond,
		LockTimeout:        10 * time.Second,
		ByteOrder:          binary.LittleEndian,
		DirtyPenalty:       256,
		NoSpaceRetries:     5,
	}
}

// OptionsFromEnv adds the trace categories named in LOG_TRACE.
func OptionsFromEnv(opts Options) Options {
	opts.Trace = append(opts.Trace, logging.TraceFromEnv()...)
	return opts
}

// Home returns ENV_HOME if it is set and dir otherwise.
func Home(dir string) string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	return dir
}

func (o *Options) Validate() error {
	switch {
	case o.PageSize < 512 || o.PageSize > 64<<10 || o.PageSize&(o.PageSize-1) != 0:
		return fmt.Errorf("%w: page size %d is not a power of two between 512 and 65536", ErrInvalidOptions, o.PageSize)
	case o.CacheSize < 8*int64(o.PageSize):
		return fmt.Errorf("%w: cache of %d bytes holds fewer than 8 pages", ErrInvalidOptions, o.CacheSize)
	case o.ValueCacheSize < 0:
		return fmt.Errorf("%w: negative value cache size", ErrInvalidOptions)
	case o.LogSegmentSize < 64<<10:
		return fmt.Errorf("%w: log segment size %d is below 64 KiB", ErrInvalidOptions, o.LogSegmentSize)
	case o.CheckpointInterval < 0:
		return fmt.Errorf("%w: negative checkpoint interval", ErrInvalidOptions)
	case o.RecoveryMode > recovery.PointInTime:
		return fmt.Errorf("%w: unknown recovery mode %s", ErrInvalidOptions, o.RecoveryMode)
	case o.RecoveryMode == recovery.PointInTime && o.RecoveryTimestamp.IsZero():
		return fmt.Errorf("%w: point-in-time recovery needs a timestamp", ErrInvalidOptions)
	case o.DeadlockDetection == transaction.Periodic && o.DeadlockInterval <= 0:
		return fmt.Errorf("%w: periodic deadlock detection needs an interval", ErrInvalidOptions)
	case o.DeadlockDetection == transaction.TimeoutOnly && o.LockTimeout <= 0:
		return fmt.Errorf("%w: timeout-only deadlock handling needs a lock timeout", ErrInvalidOptions)
	case o.DeadlockDetection > transaction.TimeoutOnly:
		return fmt.Errorf("%w: unknown deadlock detection mode %d", ErrInvalidOptions, o.DeadlockDetection)
	case o.NoSpaceRetries < 0:
		return fmt.Errorf("%w: negative no-space retries", ErrInvalidOptions)
	}
	for name := range o.Comparators {
		if name == index.Bytewise {
			return fmt.Errorf("%w: comparator %q is built in", ErrInvalidOptions, name)
		}
	}
	return nil
}
