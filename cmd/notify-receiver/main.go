// Command notify-receiver is a mock callback endpoint that logs every
// notification it receives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "notify-receiver").Logger()

	addr := os.Getenv("RECEIVER_ADDR")
	if addr == "" {
		addr = ":5000"
	}

	srv := &http.Server{Addr: addr, Handler: newRouter(log), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("listen", addr).Msg("receiver starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
