package main

import (
	"context"
	"os/signal"
	"syscall"

	"loopsched/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New()
	if err != nil {
		panic(err)
	}
	if err := application.Run(ctx); err != nil {
		panic(err)
	}
}
