// Command forja refines raw lecture transcripts into publish-ready
// documents.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/doumen/vana-forja/internal/forge"
	"github.com/doumen/vana-forja/internal/oracle"
)

// Exit codes.
const (
	exitOK = iota
	exitFailure
	exitAuditFailed
	exitBudgetExceeded
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(newCLI())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "forja: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, oracle.ErrBudgetExceeded):
		return exitBudgetExceeded
	case errors.Is(err, forge.ErrAuditFailed):
		return exitAuditFailed
	default:
		return exitFailure
	}
}
