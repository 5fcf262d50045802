package kvdict

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := must(LoadConfig(NewViper(), ""))
	deepEqual(t, cfg.Engine, EngineMemory)
	deepEqual(t, cfg.SQLiteBusyTimeout, DefaultSQLiteBusyTimeout)
	deepEqual(t, cfg.LogLevel, slog.LevelInfo)
	deepEqual(t, cfg.ReadOnly, false)
}

func TestLoadConfig_Env(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KVDICT_ENGINE", "Bolt")
	t.Setenv("KVDICT_PATH", filepath.Join(dir, "env.db"))
	t.Setenv("KVDICT_MMAP_SIZE", "1048576")
	t.Setenv("KVDICT_LOG_LEVEL", "debug")

	cfg := must(LoadConfig(NewViper(), ""))
	deepEqual(t, cfg.Engine, EngineBolt)
	deepEqual(t, cfg.Path, filepath.Join(dir, "env.db"))
	deepEqual(t, cfg.MmapSize, 1048576)
	deepEqual(t, cfg.LogLevel, slog.LevelDebug)

	eng := must(OpenEngine(cfg, nil))
	defer eng.Close()
	deepEqual(t, eng.Name(), "bolt")
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "kvdict.yaml")
	ok(t, os.WriteFile(file, []byte("engine: sqlite\npath: "+filepath.Join(dir, "f.sqlite")+"\nsqlite-busy-timeout: 2s\n"), 0o644))

	cfg := must(LoadConfig(NewViper(), file))
	deepEqual(t, cfg.Engine, EngineSQLite)
	deepEqual(t, cfg.SQLiteBusyTimeout, 2*time.Second)

	eng := must(OpenEngine(cfg, nil))
	defer eng.Close()
	deepEqual(t, eng.Name(), "sqlite")
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("unknown engine", func(t *testing.T) {
		t.Setenv("KVDICT_ENGINE", "rocks")
		_, err := LoadConfig(NewViper(), "")
		if err == nil {
			t.Fatal("** succeeded")
		}
	})
	t.Run("missing path", func(t *testing.T) {
		t.Setenv("KVDICT_ENGINE", "sqlite")
		_, err := LoadConfig(NewViper(), "")
		if err == nil {
			t.Fatal("** succeeded")
		}
	})
	t.Run("bad log level", func(t *testing.T) {
		t.Setenv("KVDICT_LOG_LEVEL", "loud")
		_, err := LoadConfig(NewViper(), "")
		if err == nil {
			t.Fatal("** succeeded")
		}
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
		if err == nil {
			t.Fatal("** succeeded")
		}
	})
}
