// Package config loads the engine's configuration from a YAML file plus
// environment variable overrides, and watches the file for edits,
// handing each reloaded Config to the listeners registered with OnChange.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the acquisition server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archiver ArchiverConfig `mapstructure:"archiver"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig contains the control API / event-stream adapter's HTTP
// listen settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageConfig contains StoreAdapter settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiverConfig contains an archive cadence. Nothing reads it: the
// Archiver takes its cadence only from the store's archiveInterval
// setting.
type ArchiverConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
}

// SerialConfig contains serial port defaults. They are not applied to
// ConnectionNodes, which are opened with their own stored port settings;
// the command only logs the baud rate when the file changes.
type SerialConfig struct {
	BaudRate int `mapstructure:"baud_rate"`
	DataBits int `mapstructure:"data_bits"`
	StopBits int `mapstructure:"stop_bits"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Watcher reloads Config from disk whenever its source file changes and
// hands the new value to every registered callback.
type Watcher struct {
	v *viper.Viper

	mu        sync.RWMutex
	current   Config
	listeners []func(Config)
}

// Load reads configuration from file and environment variables and
// returns a Watcher that already holds the first loaded value.
func Load(configPath string) (*Watcher, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix("MODBUSENGINE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	w := &Watcher{v: v, current: cfg}

	v.OnConfigChange(func(fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		w.mu.Lock()
		w.current = next
		listeners := append([]func(Config){}, w.listeners...)
		w.mu.Unlock()
		for _, fn := range listeners {
			fn(next)
		}
	})
	v.WatchConfig()

	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked (with the new Config) whenever the
// underlying file changes. Callbacks are invoked synchronously from the
// fsnotify event goroutine; they must not block.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("storage.path", "./data/modbus-engine.db")

	v.SetDefault("archiver.interval_ms", int(60*time.Second/time.Millisecond))

	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file_path", "./logs/modbus-engine.log")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 28)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".modbus-engine")
}
