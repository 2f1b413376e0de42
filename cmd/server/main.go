package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/callcore/internal/adapters/http"
	"github.com/dkeye/callcore/internal/adapters/livekit"
	signalhub "github.com/dkeye/callcore/internal/adapters/signal"
	"github.com/dkeye/callcore/internal/adapters/store"
	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/config"
	"github.com/dkeye/callcore/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	logs := logging.Setup(cfg.Log, cfg.Env)
	defer logs.Close()

	if cfg.Auth.JWTSecret == "" {
		if cfg.Server.Mode == "release" {
			return errors.New("auth.jwt_secret is required in release mode")
		}
		cfg.Auth.JWTSecret = uuid.NewString()
		log.Warn().Msg("auth.jwt_secret not set, tokens will not survive a restart")
	}

	dir, err := app.NewStaticDirectory(cfg.Chats)
	if err != nil {
		return fmt.Errorf("chat directory: %w", err)
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	calls := store.NewHistoryRepo(db)

	hub := signalhub.NewSignalWSController(signalhub.Config{
		ReadLimit:      cfg.Server.ReadLimit,
		PingPeriod:     cfg.Server.PingPeriod,
		RatePerSecond:  cfg.Server.RatePerSecond,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, dir, app.NewChatRoomManager(), app.NewConns(), app.SimplePolicy{})

	tokens := livekit.NewTokenIssuer(livekit.Config{
		URL:       cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
		TokenTTL:  cfg.LiveKit.TokenTTL,
	}, dir)

	r := router.SetupRouter(ctx, cfg.Server, router.Deps{
		Signal:    hub,
		Auth:      router.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Directory: dir,
		Tokens:    tokens,
		History:   calls,
		Sink:      calls,
	})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router.NewHandler(cfg.Server, r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Int("chats", len(cfg.Chats)).Msg("callcore server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		hub.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
