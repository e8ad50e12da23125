package util

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// InterruptContext is cancelled on the first SIGINT or SIGTERM. A second
// signal exits right away.
func InterruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sig:
			fmt.Println("\nInterrupt received. Saving state, press Ctrl-C again to force quit...")
			cancel()
		case <-ctx.Done():
			signal.Stop(sig)
			return
		}

		<-sig
		fmt.Println("\nExiting due to interrupt.")
		os.Exit(1)
	}()

	return ctx, cancel
}

func RemoveIfEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return false
	}

	return os.Remove(dir) == nil
}
