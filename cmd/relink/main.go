// Command relink moves Zotero file attachments onto DEVONthink item links.
//
// Usage:
//
//	relink add 10       discover up to 10 file attachments and create their new links
//	relink review       list created pairings awaiting confirmation
//	relink confirm      verify new links and retire the old file attachments
//	relink rollback     delete unconfirmed new links
//	relink run          repeat add+confirm cycles with an adaptive delay
//	relink wake         start the next cycle of a running "relink run" now
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/relink/pkg/types"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const (
	exitError       = 1
	exitPersistence = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes a ledger failure, which needs operator attention
// before the next run, from ordinary failures.
func exitCode(err error) int {
	if errors.Is(err, types.ErrPersistence) {
		return exitPersistence
	}
	return exitError
}
