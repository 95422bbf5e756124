package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/tailored-agentic-units/sysend/internal/otelsetup"
)

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := otelsetup.Setup(ctx, "sysendctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel setup: %v\n", err)
	}
	defer shutdown(context.Background())

	return newRootCmd().ExecuteContext(ctx)
}
