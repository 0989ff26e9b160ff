package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `ariesctl - operator tool for an ariesdb environment

Usage:
  ariesctl <command> [options]

Commands:
  recover     Recover an environment after a crash
  verify      Check a data file's header, size and page checksums
  stat        Print engine counters

Use "ariesctl <command> -h" for more information about a command.

Environment Variables:
  ENV_HOME    Environment directory, overrides -env
  LOG_TRACE   Comma separated log categories to trace
              (wal, buffer, lock, txn, index, recovery, checkpoint, storage, all)
`)
}

func printRecoverUsage(w io.Writer) {
	fmt.Fprint(w, `Recover an environment after a crash

Usage:
  ariesctl recover -env DIR [-fatal] [-timestamp T] [-verbose]

Options:
  -env string
        Environment directory
  -fatal
        Replay the whole log instead of starting at the last checkpoint
  -timestamp string
        Roll back every transaction that committed after T (RFC 3339)
  -verbose
        Log progress to stderr
  -h, -help
        Show this help message

Exit Codes:
  0  recovery succeeded
  1  configuration error
  2  unrecoverable inconsistency; the offending LSN and page are printed
`)
}

func printVerifyUsage(w io.Writer) {
	fmt.Fprint(w, `Check a data file's header, size and page checksums

Usage:
  ariesctl verify -env DIR FILE

The environment need not be open. FILE is relative to the environment
directory unless it is absolute.

Exit Codes:
  0  the file is sound
  1  configuration error
  2  the file is damaged
`)
}

func printStatUsage(w io.Writer) {
	fmt.Fprint(w, `Print engine counters

Usage:
  ariesctl stat -env DIR [-verbose]

Opening the environment recovers it first if it was not shut down cleanly.
`)
}
