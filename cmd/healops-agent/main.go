// cmd/healops-agent/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/sourabhkumawat/healops/cmd"
	"github.com/sourabhkumawat/healops/internal/observability"
)

const panicLogFile = "panic.log"

var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}

// handlePanic dumps the crash to panic.log in the format the remediate
// command reads back, so healops can be pointed at its own failures.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	dump := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(dump), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to write panic log: %v\n%s\n", err, dump)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "\nhealops crashed. Details written to %s.\n", panicLogFile)
	fmt.Fprintf(os.Stderr, "Remediate it with: healops remediate --panic-log %s\n", panicLogFile)
	osExit(2)
}
