package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/matheus3301/chatcore/internal/devserver"
	"github.com/matheus3301/chatcore/internal/logging"
	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	reset := flag.Bool("reset", false, "drop all data and recreate the schema")
	flag.Parse()

	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	logger := logging.NewConsole("chatsrv", level)
	defer func() { _ = logger.Sync() }()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file, using process environment")
	}
	cfg := devserver.Load()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	migrateDB := db.Migrate
	if *reset {
		logger.Warn("resetting database", zap.String("path", cfg.DBPath))
		migrateDB = db.Reset
	}
	result, err := migrateDB()
	if err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}
	logger.Info("database ready",
		zap.String("path", cfg.DBPath),
		zap.Uint("from", result.From),
		zap.Uint("version", result.Version),
		zap.Bool("migrated", result.Changed))

	srv := devserver.New(cfg, db, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dev server listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
