// Command mockbackend serves an in-memory document backend for local
// development of the citeqa client.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/citeqa/client/internal/mockbackend"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	token := flag.String("token", "", "bearer token required from clients (empty allows anonymous access)")
	interval := flag.Duration("event-interval", 500*time.Millisecond, "pause between two scripted progress events")
	processingError := flag.String("processing-error", "", "fail every file's processing with this message")
	queryError := flag.String("query-error", "", "fail every chat query with this message")
	verbose := flag.Bool("verbose", false, "log every request")
	flag.Parse()

	logger := log.NewLogger()
	logger.EnableDebugLog(*verbose)

	backend := mockbackend.New(mockbackend.Options{
		Token:           *token,
		EventInterval:   *interval,
		ProcessingError: *processingError,
		QueryError:      *queryError,
		APIPrefix:       "/api",
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := backend.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Shutdown: %s", err)
		}
	}()

	if err := backend.Start(*addr); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
	logger.Donef("Mock backend stopped")
}
