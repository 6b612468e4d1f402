package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-service/internal/factory"
	"admission-service/internal/util"
)

func main() {
	f, err := factory.NewArchiverFactory()
	if err != nil {
		util.Fatal("Failed to initialize archiver factory", util.ErrorField(err))
	}
	defer f.Close()

	archiver := f.Archiver()

	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = archiver.EnsureSchema(schemaCtx)
	cancel()
	if err != nil {
		util.Fatal("Failed to prepare ClickHouse schema", util.ErrorField(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := archiver.Run(ctx); err != nil {
		util.Error("Archiver stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}
