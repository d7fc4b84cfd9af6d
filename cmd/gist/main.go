// The gist service: a minimal HTTP front end for Groq chat completions,
// built to run on Cloud Run.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/microservice/gist"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/certs"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/groq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := gist.NewConfig(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration.")
	}
	log.Logger = logger

	workDir, _ := os.Getwd()
	cfg.Groq.CABundlePath = certs.EffectiveBundlePath(
		os.Getenv("SSL_CERT_FILE"), os.Getenv("REQUESTS_CA_BUNDLE"), workDir)

	client, err := groq.NewClient(cfg.Groq, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Groq client.")
	}

	app := gist.NewApp(cfg, client, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(app.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error.")
	}
	logger.Info().Msg("Server stopped.")
}
