package metadata

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/index"
	"ariesdb/log"
	"ariesdb/transaction"
)

func TestStatManager(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := quiet()

	fm, err := file.NewManager(dir, testPageSize, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer fm.Close()
	lm, err := log.Open(filepath.Join(dir, "log"), log.Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	defer lm.Close()
	bm := buffer.NewManager(fm, lm, buffer.Config{Frames: 64, PageSize: testPageSize, Logger: logger})
	defer bm.Close()
	txm := transaction.NewManager(lm, transaction.Config{
		SyncOnCommit: true,
		Deadlock:     transaction.DeadlockPolicy{Mode: transaction.TimeoutOnly, Timeout: time.Second},
		Logger:       logger,
	})
	defer txm.Close()

	if err := fm.Register(1, "MyIndex"+FileSuffix); err != nil {
		t.Fatal(err)
	}
	desc, err := index.NewRegistry().NewDescriptor(index.Bytewise, nil)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := index.Create(ctx, index.Config{
		FileID:   1,
		Name:     "MyIndex",
		PageSize: testPageSize,
		Order:    binary.LittleEndian,
		EnvID:    lm.EnvID(),
		Pool:     bm,
		Log:      lm,
		Files:    fm,
		Logger:   logger,
	}, desc)
	if err != nil {
		t.Fatal(err)
	}
	txm.RegisterUndoer(1, tree)

	tx, err := txm.Begin(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := tree.Put(ctx, tx, []byte(fmt.Sprintf("key%02d", i)), []byte("value"), index.NoOverwrite); err != nil {
			t.Fatal(err)
		}
	}
	if err := txm.Commit(ctx, tx); err != nil {
		t.Fatal(err)
	}

	sm := NewStatManager(Sources{
		Files:   fm,
		Log:     lm,
		Pool:    bm,
		Txns:    txm,
		Indexes: func() []*index.Tree { return []*index.Tree{tree} },
	})
	info := sm.GetStatInfo()

	if len(info.Indexes) != 1 {
		t.Fatalf("invalid index count: got %d, want %d", len(info.Indexes), 1)
	}
	st := info.Indexes[0]
	if st.Name != "MyIndex" || st.FileID != 1 {
		t.Errorf("invalid index identity: got %s/%d", st.Name, st.FileID)
	}
	if st.Keys != 10 {
		t.Errorf("invalid key count: got %d, want %d", st.Keys, 10)
	}
	if st.DataSize != 10*(5+5) {
		t.Errorf("invalid data size: got %d, want %d", st.DataSize, 100)
	}
	if st.FileBytes == 0 || st.FileBytes%testPageSize != 0 {
		t.Errorf("invalid file size: got %d", st.FileBytes)
	}
	if info.Txns.Committed != 1 {
		t.Errorf("invalid committed count: got %d, want %d", info.Txns.Committed, 1)
	}
	if info.Log.Records == 0 || info.Log.Durable == 0 {
		t.Errorf("log counters not collected: %+v", info.Log)
	}
	if info.Pool.Frames != 64 {
		t.Errorf("invalid frame count: got %d, want %d", info.Pool.Frames, 64)
	}

	// The cached file size is reused until the refresh interval ends.
	if err := fm.ZeroFillTo(1, uint32(st.FileBytes/testPageSize)+63); err != nil {
		t.Fatal(err)
	}
	if got := sm.GetStatInfo().Indexes[0].FileBytes; got != st.FileBytes {
		t.Errorf("file size refreshed early: got %d, want %d", got, st.FileBytes)
	}
	for i := 0; i < refreshEvery; i++ {
		sm.GetStatInfo()
	}
	if got := sm.GetStatInfo().Indexes[0].FileBytes; got != st.FileBytes+64*testPageSize {
		t.Errorf("file size not refreshed: got %d, want %d", got, st.FileBytes+64*testPageSize)
	}
}
