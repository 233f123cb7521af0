// Command agena-batch calculates a CSV file of datasets against an
// agena.ai cloud model and reports the results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal aborts the batch: running jobs stop polling and the
	// datasets not yet sent are reported as aborted.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		signal.Stop(sigChan)
	}()

	code := Main(ctx, os.Args, os.Stdout, os.Stderr)
	cancel()
	os.Exit(int(code))
}
