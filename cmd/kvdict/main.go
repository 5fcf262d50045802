package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/andreyvit/kvdict"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	v   = kvdict.NewViper()
	eng kvdict.Engine

	rootCmd = &cobra.Command{
		Use:   "kvdict",
		Short: "Inspect kvdict storage engines",
		Long: `kvdict inspects the dictionaries of a kvdict storage engine.

Flags can also be set via environment variables named KVDICT_<flag>
(e.g. KVDICT_ENGINE=bolt KVDICT_PATH=data.db), or in a .env file.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  openEngine,
		PersistentPostRunE: closeEngine,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("engine", kvdict.EngineMemory, "storage engine: memory, bolt or sqlite")
	flags.String("path", "", "database file of the bolt and sqlite engines")
	flags.String("journal-dir", "", "journal directory of the memory engine")
	flags.Bool("read-only", true, "open the database read-only")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(metricsCmd)
}

func openEngine(cmd *cobra.Command, _ []string) error {
	if err := bindFlags(cmd, v); err != nil {
		return err
	}
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := kvdict.LoadConfig(v, configFile)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	eng, err = kvdict.OpenEngine(cfg, logger)
	return err
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	return v.BindPFlags(cmd.Flags())
}

func closeEngine(_ *cobra.Command, _ []string) error {
	if eng == nil {
		return nil
	}
	return eng.Close()
}

// withOp runs fn in a read-only operation.
func withOp(fn func(op *kvdict.Op) error) error {
	return kvdict.RunOp(context.Background(), eng, kvdict.RetryOptions{ReadOnly: true}, fn)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
