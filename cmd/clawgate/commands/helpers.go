package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
)

// loadConfig loads --config or the first config file found, resolves
// secrets and validates. With required false a missing file yields the
// defaults.
func loadConfig(cmd *cobra.Command, required bool) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}

	var cfg *config.Config
	switch {
	case path != "":
		loaded, err := config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
		}
		cfg = loaded
	case required:
		return nil, "", fmt.Errorf("no configuration file found (use --config or create clawgate.yaml)")
	default:
		cfg, _ = config.Parse(nil)
	}

	config.ResolveSecrets(cfg, slog.Default())
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section and the
// --verbose flag.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// quietLogger is used by one-shot commands that print their own output.
func quietLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
