// Command modbus-engine is the composition root: it loads configuration,
// opens the store, and wires the cache, broadcaster, engine, and control
// API together before blocking until it is asked to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/modbus-scada/engine/internal/api"
	"github.com/modbus-scada/engine/internal/broadcast"
	"github.com/modbus-scada/engine/internal/cache"
	"github.com/modbus-scada/engine/internal/config"
	"github.com/modbus-scada/engine/internal/engine"
	"github.com/modbus-scada/engine/internal/logger"
	"github.com/modbus-scada/engine/internal/store/sqlite"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./configs/config.yaml, ./config.yaml or ~/.modbus-engine/config.yaml)")
	flag.Parse()

	watcher, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modbus-engine: failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Current()

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		LogDir:     filepath.Dir(cfg.Logger.FilePath),
		MaxSizeMB:  cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "modbus-engine: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()
	log.Info("starting modbus-engine", zap.String("version", Version))

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		log.Fatal("failed to create storage directory", zap.Error(err))
	}
	adapter, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer adapter.Close()

	tagCache := cache.New()

	var eng *engine.Engine
	bc := broadcast.New(func() broadcast.Event {
		return broadcast.Event{
			Type:      broadcast.EventState,
			Timestamp: time.Now(),
			State:     eng.CurrentStateSnapshot(context.Background()),
		}
	})
	go bc.Run()
	defer bc.Stop()

	logger.SetBroadcaster(func(level, message, source string, fields map[string]interface{}) {
		lvl := broadcast.LevelInfo
		switch level {
		case "warn":
			lvl = broadcast.LevelWarning
		case "error", "dpanic", "panic", "fatal":
			lvl = broadcast.LevelError
		}
		bc.PublishMessage(lvl, source, message)
	})

	eng = engine.New(engine.Options{
		Adapter:     adapter,
		Broadcaster: bc,
		Cache:       tagCache,
		Logger:      log,
	})

	watcher.OnChange(func(next config.Config) {
		log.Info("configuration file changed, reloaded settings take effect on next node reload",
			zap.Int("serial_baud_default", next.Serial.BaudRate))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start engine", zap.Error(err))
	}

	app := fiber.New(fiber.Config{AppName: "modbus-engine v" + Version, DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: "*", AllowMethods: "GET,POST,PUT,DELETE,OPTIONS"}))

	api.New(eng, bc, log).SetupRoutes(app)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("error shutting down http server", zap.Error(err))
	}
	eng.Stop(shutdownCtx)

	log.Info("modbus-engine stopped")
}
