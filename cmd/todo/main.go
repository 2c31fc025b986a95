package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/yoga-python/coding-projects-todo/cli"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, version)
	stop()
	os.Exit(code)
}
