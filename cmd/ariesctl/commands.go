package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"ariesdb/file"
	"ariesdb/index"
	"ariesdb/metadata"
	"ariesdb/recovery"
	"ariesdb/server"
)

// envFlags are the flags every command that opens an environment shares.
type envFlags struct {
	env     *string
	verbose *bool
	help    *bool
}

func addEnvFlags(fs *flag.FlagSet) envFlags {
	f := envFlags{
		env:     fs.String("env", "", "Environment directory (ENV_HOME overrides)"),
		verbose: fs.Bool("verbose", false, "Log progress to stderr"),
		help:    fs.Bool("h", false, "Show help message"),
	}
	fs.BoolVar(f.help, "help", false, "Show help message")
	return f
}

func (f envFlags) dir() (string, error) {
	dir := server.Home(*f.env)
	if dir == "" {
		return "", errors.New("-env is required")
	}
	return dir, nil
}

func (f envFlags) options() server.Options {
	opts := server.OptionsFromEnv(server.DefaultOptions())
	opts.Verbose = *f.verbose
	// The operator tool takes no automatic checkpoints of its own.
	opts.CheckpointInterval = 0
	return opts
}

// exitCodeFor maps an error from opening an environment to an exit code,
// printing what the operator needs to find the damage.
func exitCodeFor(w io.Writer, err error) int {
	var ce *recovery.CorruptionError
	switch {
	case errors.As(err, &ce):
		fmt.Fprintf(w, "Unrecoverable inconsistency at LSN %d, page %s: %v\n", ce.LSN, ce.Block, ce.Err)
		return exitInconsistent
	case server.IsCorruption(err):
		fmt.Fprintf(w, "Unrecoverable inconsistency: %v\n", err)
		return exitInconsistent
	case errors.Is(err, index.ErrUnknownComparator):
		fmt.Fprintf(w, "Error: %v (the environment must be opened by the application that registered it)\n", err)
		return exitConfig
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitConfig
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// recoverCmd handles the recover command.
func recoverCmd(args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	ef := addEnvFlags(fs)
	fatal := fs.Bool("fatal", false, "Replay the whole log instead of starting at the last checkpoint")
	timestamp := fs.String("timestamp", "", "Recover to this point in time (RFC 3339)")

	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *ef.help {
		printRecoverUsage(os.Stdout)
		return exitOK
	}
	dir, err := ef.dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	opts := ef.options()
	switch {
	case *timestamp != "" && *fatal:
		fmt.Fprintln(os.Stderr, "Error: -fatal and -timestamp are mutually exclusive")
		return exitConfig
	case *timestamp != "":
		ts, err := time.Parse(time.RFC3339Nano, *timestamp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -timestamp: %v\n", err)
			return exitConfig
		}
		opts.RecoveryMode = recovery.PointInTime
		opts.RecoveryTimestamp = ts
	case *fatal:
		opts.RecoveryMode = recovery.Fatal
	}
	if _, err := os.Stat(filepath.Join(dir, server.LogDir)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s is not an environment: %v\n", dir, err)
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()
	db, err := server.Open(ctx, dir, opts)
	if err != nil {
		return exitCodeFor(os.Stderr, err)
	}
	r := db.RecoveryReport()
	in := db.Recovered()
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: closing environment: %v\n", err)
		return exitInconsistent
	}

	printReport(os.Stdout, dir, r)
	if len(in) > 0 {
		fmt.Printf("\n%d prepared transaction(s) are still in doubt and keep their locks until resolved.\n", len(in))
	}
	return exitOK
}

func printReport(w io.Writer, dir string, r *recovery.Report) {
	fmt.Fprintf(w, "Recovery of %s completed.\n", dir)
	fmt.Fprintf(w, "  Mode:        %s\n", r.Mode)
	fmt.Fprintf(w, "  Checkpoint:  %d\n", r.CheckpointLSN)
	fmt.Fprintf(w, "  Redo from:   %d\n", r.RedoLSN)
	fmt.Fprintf(w, "  Log end:     %d (%s)\n", r.EndLSN, humanize.IBytes(r.EndLSN))
	fmt.Fprintf(w, "  Scanned:     %s records\n", humanize.Comma(int64(r.Scanned)))
	fmt.Fprintf(w, "  Redone:      %s records\n", humanize.Comma(int64(r.Redone)))
	if r.Skipped > 0 {
		fmt.Fprintf(w, "  Skipped:     %s records of unknown files\n", humanize.Comma(int64(r.Skipped)))
	}
	fmt.Fprintf(w, "  Rolled back: %d transaction(s) %v\n", len(r.Losers), r.Losers)
	fmt.Fprintf(w, "  In doubt:    %d transaction(s) %v\n", len(r.Prepared), r.Prepared)
	fmt.Fprintf(w, "  Duration:    %v\n", r.Duration.Round(time.Millisecond))
}

// verifyCmd handles the verify command.
func verifyCmd(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	ef := addEnvFlags(fs)

	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *ef.help {
		printVerifyUsage(os.Stdout)
		return exitOK
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one FILE is required")
		return exitConfig
	}
	name := fs.Arg(0)
	path := name
	if !filepath.IsAbs(name) {
		dir, err := ef.dir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitConfig
		}
		path = filepath.Join(dir, name)
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	rep, err := file.Verify(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return exitInconsistent
	}
	h := rep.Header
	fmt.Printf("%s:\n", name)
	fmt.Printf("  Index:      %s (file id %d)\n", h.Name, h.FileID)
	fmt.Printf("  Version:    %d.%d.%d\n", h.Major, h.Minor, h.Patch)
	fmt.Printf("  Byte order: %s\n", h.Order)
	fmt.Printf("  Page size:  %s\n", humanize.IBytes(uint64(h.PageSize)))
	fmt.Printf("  Size:       %s (%s pages, %s never written)\n",
		humanize.IBytes(uint64(rep.FileSize)), humanize.Comma(rep.Pages), humanize.Comma(rep.ZeroPages))
	if rep.FileSize%int64(h.PageSize) != 0 {
		fmt.Printf("  Size is not a multiple of the page size\n")
		return exitInconsistent
	}
	if len(rep.BadPages) > 0 {
		fmt.Printf("  Checksum mismatch on %d page(s): %v\n", len(rep.BadPages), rep.BadPages)
		return exitInconsistent
	}
	fmt.Printf("  OK\n")
	return exitOK
}

// statCmd handles the stat command.
func statCmd(args []string) int {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	ef := addEnvFlags(fs)

	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *ef.help {
		printStatUsage(os.Stdout)
		return exitOK
	}
	dir, err := ef.dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()
	db, err := server.Open(ctx, dir, ef.options())
	if err != nil {
		return exitCodeFor(os.Stderr, err)
	}
	defer db.Close()
	info, err := db.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	printStat(os.Stdout, info)
	return exitOK
}

func printStat(w io.Writer, info metadata.StatInfo) {
	c := func(n uint64) string { return humanize.Comma(int64(n)) }

	fmt.Fprintf(w, "Log:\n")
	fmt.Fprintf(w, "  Tail LSN:       %d\n", info.Log.Tail)
	fmt.Fprintf(w, "  Durable LSN:    %d\n", info.Log.Durable)
	fmt.Fprintf(w, "  Segments:       %d\n", info.Log.Segments)
	fmt.Fprintf(w, "  Records:        %s (%s)\n", c(info.Log.Records), humanize.IBytes(info.Log.Bytes))
	fmt.Fprintf(w, "  Syncs:          %s (%s group commits)\n", c(info.Log.Syncs), c(info.Log.GroupCommits))
	fmt.Fprintf(w, "Buffer pool:\n")
	fmt.Fprintf(w, "  Frames:         %d (%d dirty, %d pinned)\n", info.Pool.Frames, info.Pool.Dirty, info.Pool.Pinned)
	fmt.Fprintf(w, "  Hits / misses:  %s / %s\n", c(info.Pool.Hits), c(info.Pool.Misses))
	fmt.Fprintf(w, "  Evictions:      %s\n", c(info.Pool.Evictions))
	fmt.Fprintf(w, "Transactions:\n")
	fmt.Fprintf(w, "  Active:         %d\n", info.Txns.Active)
	fmt.Fprintf(w, "  Committed:      %s\n", c(info.Txns.Committed))
	fmt.Fprintf(w, "  Aborted:        %s\n", c(info.Txns.Aborted))
	fmt.Fprintf(w, "Checkpoints:\n")
	fmt.Fprintf(w, "  Last LSN:       %d\n", info.Checkpoints.Last)
	fmt.Fprintf(w, "  Taken:          %s (%s skipped)\n", c(info.Checkpoints.Taken), c(info.Checkpoints.Skipped))
	fmt.Fprintf(w, "Files:\n")
	fmt.Fprintf(w, "  Open:           %d\n", info.Files.OpenedFiles)
	fmt.Fprintf(w, "  Reads / writes: %s / %s\n", c(info.Files.Reads), c(info.Files.Writes))
	for _, ix := range info.Indexes {
		fmt.Fprintf(w, "Index %s (file %d):\n", ix.Name, ix.FileID)
		fmt.Fprintf(w, "  Keys:           %s\n", humanize.Comma(ix.Keys))
		fmt.Fprintf(w, "  Data:           %s\n", humanize.IBytes(uint64(ix.DataSize)))
		fmt.Fprintf(w, "  File:           %s (%s pages, height %d)\n", humanize.IBytes(uint64(ix.FileBytes)), humanize.Comma(int64(ix.Pages)), ix.Height)
		fmt.Fprintf(w, "  Descriptor:     v%d\n", ix.DescriptorVersion)
	}
}
