package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"skirmish/server"
	"skirmish/server/application"
	"skirmish/server/authority"
	"skirmish/server/config"
	"skirmish/server/domain"
	"skirmish/server/settlement"
	"skirmish/server/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, "skirmish", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	text := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	slog.SetDefault(slog.New(tel.LogHandler(text)))

	client, err := authority.NewClient(cfg.Authority)
	if err != nil {
		return err
	}

	pubsub := domain.NewSimplePubSub()
	roomID := domain.NewRoomID()
	roomManager := domain.NewSimpleRoomManager(roomID)
	room := domain.NewRoom(roomID, pubsub, domain.WithTickInterval(cfg.TickInterval))

	engine, err := settlement.NewEngine(cfg.Settlement, client, application.NewRoomNotifier(room))
	if err != nil {
		return err
	}
	app, err := application.NewBattleApplication(engine, client, authority.NewVerifier(cfg.Authority.Secret, authority.SessionIssuer))
	if err != nil {
		return err
	}

	var ready atomic.Bool
	ready.Store(true)
	s := server.NewServer(cfg.ListenAddr(), server.Route(pubsub, roomManager, ready.Load))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return room.Run(egCtx, app)
	})
	eg.Go(func() error {
		slog.InfoContext(egCtx, "server listening", "addr", s.Addr(), "region", cfg.Settlement.Region)
		if err := s.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		ready.Store(false)
		slog.InfoContext(egCtx, "shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "graceful shutdown failed", "err", err)
			return s.Close()
		}
		return nil
	})
	runErr := eg.Wait()

	// ルーム停止後も送信中の精算はリモートに届けておく
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Flush(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "pending settlements were not flushed", "err", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "telemetry shutdown failed", "err", err)
	}
	slog.InfoContext(shutdownCtx, "server shutdown complete")
	return runErr
}
