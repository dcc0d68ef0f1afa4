package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/storesync/internal/config"
	"github.com/openmined/storesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "storesync",
		Short:         "Upload and download whole stores through a shared remote folder",
		Version:       version.Detailed(),
		SilenceErrors: true,
	}

	cmd.PersistentFlags().SortFlags = false
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	cmd.PersistentFlags().String("state-dir", config.DefaultStateDir, "directory for the journal, logs and locks")
	cmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	cmd.PersistentFlags().Int("workers", 0, "concurrent transport calls (0 keeps the configured value)")
	cmd.PersistentFlags().StringP("backend", "b", "", "remote backend: local, s3 or minio")
	cmd.PersistentFlags().String("root", "", "root folder of the local backend")

	cmd.AddCommand(
		newUploadCmd(),
		newDownloadCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

func main() {
	// a missing .env is fine, anything else is worth a warning
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	slog.SetDefault(slog.New(newConsoleHandler(slog.LevelInfo)))

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("storesync", "error", err)
		stop()
		os.Exit(1)
	}
}

// newConsoleHandler logs to stderr so stdout stays clean for command output.
func newConsoleHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: logTimeFormat,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
}

// loadConfig merges, lowest first: defaults, the config file, STORESYNC_*
// variables and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)

	configPath, _ := cmd.Flags().GetString("config")
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"state_dir":          "state-dir",
		"log_level":          "log-level",
		"backend.type":       "backend",
		"backend.local.root": "root",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			v.BindPFlag(key, f)
		}
	}
	if workers, _ := flags.GetInt("workers"); workers > 0 {
		v.Set("workers", workers)
	}

	return config.Load(v)
}
