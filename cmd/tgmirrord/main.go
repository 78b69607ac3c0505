package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tgmirror/internal/config"
	"tgmirror/internal/cryptobox"
	"tgmirror/internal/logger"
	"tgmirror/internal/supervisor"
)

// Exit codes per §6.5.
const (
	exitOK                = 0
	exitConfigError       = 1
	exitSessionCorrupt    = 2
	exitMigrationMismatch = 3
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	env, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(env.LogLevel)
	if env.LogFile != "" {
		fileWriter := logger.FileWriter(env.LogFile)
		logger.SetWriters(io.MultiWriter(os.Stdout, fileWriter), io.MultiWriter(os.Stderr, fileWriter))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.Boot(ctx, env)
	if err != nil {
		stop()
		exitCode := exitForBootError(err)
		logger.Errorf("boot failed: %v", err)
		os.Exit(exitCode)
	}

	logger.Info("tgmirrord running")
	sup.Run(ctx, env.ShutdownBudget)
	sup.Close()

	logger.Info("graceful shutdown complete")
	os.Exit(exitOK)
}

func exitForBootError(err error) int {
	var sessionErr *supervisor.SessionCorruptError
	if errors.As(err, &sessionErr) {
		return exitSessionCorrupt
	}
	var migrationErr *supervisor.MigrationError
	if errors.As(err, &migrationErr) {
		return exitMigrationMismatch
	}
	if errors.Is(err, cryptobox.ErrSessionCorrupt) {
		return exitSessionCorrupt
	}
	return exitConfigError
}
