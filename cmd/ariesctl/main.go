// Package main provides ariesctl, the operator tool for an environment:
// recovery, data file verification and statistics.
package main

import (
	"fmt"
	"os"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfig       = 1
	exitInconsistent = 2
)

func main() {
	os.Exit(run(os.Args))
}

// run executes the CLI and returns an exit code.
func run(args []string) int {
	if len(args) < 2 {
		printUsage(os.Stderr)
		return exitConfig
	}

	switch args[1] {
	case "recover":
		return recoverCmd(args[2:])
	case "verify":
		return verifyCmd(args[2:])
	case "stat":
		return statCmd(args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[1])
		fmt.Fprintln(os.Stderr, "Run 'ariesctl help' for usage.")
		return exitConfig
	}
}
