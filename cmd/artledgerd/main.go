package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"artledger/config"
	"artledger/core/events"
	"artledger/core/state"
	coretypes "artledger/core/types"
	"artledger/native/loan"
	"artledger/native/registry"
	"artledger/observability/logging"
	"artledger/rpc"
	"artledger/storage"
)

const envVar = "ARTLEDGER_ENV"

// logEmitter forwards ledger events into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(event events.Event) {
	attrs := []any{slog.String("event", event.EventType())}
	if carrier, ok := event.(interface{ Event() *coretypes.Event }); ok {
		if raw := carrier.Event(); raw != nil {
			for key, value := range raw.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	l.logger.Info("ledger event", attrs...)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	memory := flag.Bool("memory", false, "DEV ONLY: keep state in memory instead of on disk")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var logger *slog.Logger
	if cfg.LogFile != "" {
		logger = logging.SetupWithFile("artledgerd", env, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	} else {
		logger = logging.Setup("artledgerd", env)
	}

	platform, err := cfg.Platform()
	if err != nil {
		logger.Error("Invalid platform address", slog.Any("error", err))
		os.Exit(1)
	}
	vault, err := cfg.Vault()
	if err != nil {
		logger.Error("Invalid vault address", slog.Any("error", err))
		os.Exit(1)
	}

	var db storage.Database
	if *memory {
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			panic(fmt.Sprintf("Failed to open database: %v", err))
		}
		db = leveldb
	}
	defer db.Close()

	manager := state.NewManager(db, platform)
	writer, err := manager.Writer(platform)
	if err != nil {
		logger.Error("Failed to obtain state writer", slog.Any("error", err))
		os.Exit(1)
	}

	reg := registry.NewRegistry(writer)

	engine := loan.NewEngine(vault, platform)
	engine.SetState(writer)
	engine.SetRegistry(reg)
	engine.SetPauses(cfg.Pauses)
	engine.SetEmitter(logEmitter{logger: logger})

	server := rpc.NewServer(engine, reg)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("RPC server listening", slog.String("address", cfg.RPCAddress))
		errCh <- server.Start(cfg.RPCAddress)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	}
}
