// 開発用のユーザー権威サーバー。メモリ上のストアに DevUsers を登録して公開します。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"skirmish/server/authority"
	"skirmish/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("skirmish-authority", flag.ContinueOnError)
	addr := fs.String("addr", utils.GetEnvDefault("AUTHORITY_ADDR", "localhost:9091"), "listen address")
	secret := fs.String("secret", utils.GetEnvDefault("AUTHORITY_SECRET", ""), "HS256 secret shared with game servers")
	region := fs.String("region", utils.GetEnvDefault("REGION", ""), "region of the seeded users")
	seedDefault, err := strconv.Atoi(utils.GetEnvDefault("SEED_USERS", "8"))
	if err != nil {
		return fmt.Errorf("SEED_USERS: %w", err)
	}
	seed := fs.Int("seed", seedDefault, "number of development users to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("authority secret is required")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	store := authority.NewStore(authority.DevUsers(*seed, *region)...)
	handler, err := authority.NewHandler(store, authority.NewVerifier([]byte(*secret), authority.DefaultIssuer))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           otelhttp.NewHandler(handler, "skirmish-authority"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "authority shutdown failed", "err", err)
		}
	}()

	slog.InfoContext(ctx, "authority listening", "addr", *addr, "users", *seed)
	for i := range *seed {
		slog.DebugContext(ctx, "seeded user", "index", i, "userID", authority.DevUserID(i))
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
