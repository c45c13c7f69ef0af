package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/gateway"
	"github.com/compresr/tier-gateway/internal/usage"
)

const shutdownTimeout = 10 * time.Second

var flagPort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "Listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// stores are the gateway's external dependencies.
type stores struct {
	rdb    *redis.Client
	ledger *usage.Ledger
}

func openStores(cfg *config.Config) (*stores, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ledger, err := usage.Open(cfg.Usage.DBPath)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("opening usage ledger: %w", err)
	}
	return &stores{rdb: rdb, ledger: ledger}, nil
}

func (s *stores) Close() {
	if err := s.ledger.Close(); err != nil {
		log.Warn().Err(err).Msg("closing usage ledger")
	}
	if err := s.rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("closing redis client")
	}
}

// corsHandler lets browser clients call the API with the gateway headers.
func corsHandler(h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization", "Content-Type",
			gateway.HeaderRequestID, gateway.HeaderQualityTier, gateway.HeaderDecompose,
		},
		ExposedHeaders: []string{gateway.HeaderRequestID, gateway.HeaderTier, gateway.HeaderTierReason, "Retry-After"},
		MaxAge:         300,
	}).Handler(h)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagPort > 0 {
		cfg.Server.Port = flagPort
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gw, err := gateway.New(cfg, st.rdb, st.ledger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(corsHandler(gw.Handler()))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
