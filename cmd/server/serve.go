package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Chat/internal/adapters/auth"
	router "github.com/dkeye/Chat/internal/adapters/http"
	chatsignal "github.com/dkeye/Chat/internal/adapters/signal"
	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.BadgerPath, cfg.Storage.PostgresURL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("close storage")
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	policy, err := core.PolicyByName(cfg.Room.Backpressure)
	if err != nil {
		return err
	}
	issuer, err := auth.NewJWTIssuer(cfg.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	rooms := app.NewRegistry(app.RegistryOptions{
		BacklogSize:  cfg.Room.BacklogSize,
		Policy:       policy,
		GracePeriod:  cfg.Room.GracePeriod,
		PersistQueue: cfg.Pool.PersistQueue,
		Store:        store,
	})
	chat := app.NewChatService(rooms, store, store, cfg.Room.QueueSize)
	presence := app.NewPresence(chat, cfg.Presence.LeaveDelay)

	r := router.SetupRouter(cfg, router.Deps{
		Chat:     chat,
		Presence: presence,
		Issuer:   issuer,
		Limiter:  chatsignal.NewRateLimiter(cfg.Rate.Messages, cfg.Rate.Interval),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", addr).Str("storage", cfg.Storage.Driver).Msg("Chat server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "main").Msg("Shutting down")
		presence.Shutdown()
		// close rooms first so hijacked websockets are released
		rooms.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Str("module", "main").Msg("Server exited gracefully")
	return nil
}
