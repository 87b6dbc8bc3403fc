package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/config"
	"github.com/iudanet/campusmarket/internal/logger"
	"github.com/iudanet/campusmarket/internal/server"
)

// envJWTSecret позволяет не хранить секрет в конфиге
const envJWTSecret = "CAMPUSMARKET_JWT_SECRET"

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	jwtSecret := flag.String("jwt-secret", "", "JWT signing secret (overrides config and "+envJWTSecret+")")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if secret := os.Getenv(envJWTSecret); secret != "" {
		cfg.JWTSecret = secret
	}
	if *jwtSecret != "" {
		cfg.JWTSecret = *jwtSecret
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(cfg config.Server, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log, Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warn("failed to close server", zap.Error(err))
		}
	}()

	log.Info("starting campusmarket server",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
	)
	return srv.Run(ctx)
}

func printVersion() {
	fmt.Printf("CampusMarket Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
