package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/oktsec/actiongate/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRoot builds the actiongate command tree. Persistent flags can also be
// set through ACTIONGATE_* environment variables.
func NewRoot() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ACTIONGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "actiongate",
		Short: "Human approval gate for automated external actions",
		Long: "actiongate turns incoming work into action items, routes every external action " +
			"through a permission boundary and human approval, executes approved plans with " +
			"retries, and keeps a sanitized audit log of every attempt.",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "actiongate.yaml", "config file path")
	root.PersistentFlags().String("data-dir", "", "override data directory")
	root.PersistentFlags().String("log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().String("actor", "", "name recorded for approvals and rejections (default: $USER)")
	for _, name := range []string{"config", "data-dir", "log-level", "actor"} {
		_ = v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(
		newInitCmd(v),
		newServeCmd(v),
		newOrchestrateCmd(v),
		newTriageCmd(v),
		newWatchCmd(v),
		newSubmitCmd(v),
		newApprovalsCmd(v),
		newLogsCmd(v),
		newPolicyCmd(v),
		newStatusCmd(v),
		newExportCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and applies flag and environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Defaults()
	} else if err != nil {
		return nil, err
	}
	if dir := v.GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// actor resolves who is deciding from --actor, ACTIONGATE_ACTOR or $USER.
func actor(v *viper.Viper) (string, error) {
	name := strings.TrimSpace(v.GetString("actor"))
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		return "", errors.New("no actor: pass --actor or set ACTIONGATE_ACTOR")
	}
	return name, nil
}
