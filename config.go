package kvdict

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config selects and configures an engine. Every key can also be set through
// the environment as KVDICT_<KEY>, with dashes turned into underscores (e.g.
// KVDICT_JOURNAL_DIR).
type Config struct {
	Engine             string
	Path               string
	JournalDir         string
	JournalMaxFileSize int64
	MmapSize           int
	SQLiteBusyTimeout  time.Duration
	ReadOnly           bool
	LogLevel           slog.Level
}

const (
	EngineMemory = "memory"
	EngineBolt   = "bolt"
	EngineSQLite = "sqlite"
)

// NewViper returns a viper instance with the config defaults and environment
// binding set up. .env and .env.local in the working directory are loaded
// into the environment first; variables already set win.
func NewViper() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetDefault("engine", EngineMemory)
	v.SetDefault("path", "")
	v.SetDefault("journal-dir", "")
	v.SetDefault("journal-max-file-size", 0)
	v.SetDefault("mmap-size", 0)
	v.SetDefault("sqlite-busy-timeout", DefaultSQLiteBusyTimeout)
	v.SetDefault("read-only", false)
	v.SetDefault("log-level", "info")

	v.SetEnvPrefix("kvdict")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the configuration from v, after merging configFile into
// it when one is given.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("kvdict: reading config %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Engine:             strings.ToLower(v.GetString("engine")),
		Path:               v.GetString("path"),
		JournalDir:         v.GetString("journal-dir"),
		JournalMaxFileSize: v.GetInt64("journal-max-file-size"),
		MmapSize:           v.GetInt("mmap-size"),
		SQLiteBusyTimeout:  v.GetDuration("sqlite-busy-timeout"),
		ReadOnly:           v.GetBool("read-only"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("kvdict: invalid log-level: %w", err)
	}

	switch cfg.Engine {
	case EngineMemory:
	case EngineBolt, EngineSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("kvdict: engine %s needs a path", cfg.Engine)
		}
	default:
		return nil, fmt.Errorf("kvdict: unknown engine %q", cfg.Engine)
	}
	return cfg, nil
}

// OpenEngine opens the engine described by cfg.
func OpenEngine(cfg *Config, logger *slog.Logger) (Engine, error) {
	verbose := cfg.LogLevel <= slog.LevelDebug
	switch cfg.Engine {
	case EngineMemory:
		return OpenMem(MemOptions{
			JournalDir:         cfg.JournalDir,
			JournalMaxFileSize: cfg.JournalMaxFileSize,
			ReadOnly:           cfg.ReadOnly,
			Logger:             logger,
			Verbose:            verbose,
		})
	case EngineBolt:
		return OpenBolt(cfg.Path, BoltOptions{
			Logger:   logger,
			Verbose:  verbose,
			MmapSize: cfg.MmapSize,
			ReadOnly: cfg.ReadOnly,
		})
	case EngineSQLite:
		return OpenSQLite(cfg.Path, SQLiteOptions{
			Logger:      logger,
			Verbose:     verbose,
			BusyTimeout: cfg.SQLiteBusyTimeout,
			ReadOnly:    cfg.ReadOnly,
		})
	default:
		return nil, fmt.Errorf("kvdict: unknown engine %q", cfg.Engine)
	}
}
