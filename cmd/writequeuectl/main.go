// Package main runs the writequeue operator CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	writequeuectl "github.com/magickw/linkDAO-sub002/internal/cmd/writequeuectl"
	entrypoint "github.com/magickw/linkDAO-sub002/internal/platform/cmd"
	"github.com/magickw/linkDAO-sub002/internal/platform/config"
)

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		config.Exitf("%s: load env: %v", entrypoint.ServiceWriteQueueCtl, err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := writequeuectl.NewRootCommand(os.Stdout)
	if err != nil {
		config.Exitf("%s: %v", entrypoint.ServiceWriteQueueCtl, err)
	}
	if err := root.ExecuteContext(ctx); err != nil {
		config.Exitf("%s: %v", entrypoint.ServiceWriteQueueCtl, err)
	}
}
