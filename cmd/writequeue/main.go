// Package main starts the writequeue service process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	writequeuecmd "github.com/magickw/linkDAO-sub002/internal/cmd/writequeue"
	"github.com/magickw/linkDAO-sub002/internal/platform/config"
)

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := writequeuecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[WRITEQUEUE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := writequeuecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
