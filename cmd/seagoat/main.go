// Command seagoat is a local semantic code-search engine for Git
// repositories.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hellblazer/seagoat/cmd/seagoat/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cmd.NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
