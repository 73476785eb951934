package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/jar-burn/internal/app"
	"github.com/ligun0805/jar-burn/internal/config"
	"github.com/ligun0805/jar-burn/internal/observability"
	"github.com/ligun0805/jar-burn/internal/server"
)

func main() {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	st := config.Load()
	log, err := observability.NewLogger(st.LogLevel, st.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, st, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	log.Info("jarwatch starting",
		zap.String("jar", st.JarAddress),
		zap.String("burn_token", st.BurnTokenAddress),
		zap.Float64("burn_quantity", st.BurnQuantity),
		zap.Duration("refresh", st.Refresh),
		zap.String("http_addr", st.HTTPAddr))

	srv := server.New(a.Monitor,
		server.WithLogger(log.Named("http")),
		server.WithMetrics(a.Metrics.Handler()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Monitor.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, st.HTTPAddr) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("jarwatch stopped", zap.Error(err))
		return
	}
	log.Info("jarwatch stopped")
}
