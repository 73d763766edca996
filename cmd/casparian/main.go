package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"casparian/internal/config"
	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "casparian",
	Short: "Casparian Flow - on-host data processing control plane",
	Long: `Casparian Flow catalogs dropped files, locks parser output schemas
behind human approval, and materializes parsed data into an analytical
sink exactly once per file version.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(config.Home()); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "default", "workspace name")
}

// env bundles what every command needs.
type env struct {
	cfg   config.Config
	store *store.Store
	ws    *store.Workspace
}

func openEnv() (*env, error) {
	home := config.Home()
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if err := installTelemetryKey(home); err != nil {
		return nil, err
	}
	st, err := store.Open(config.StateDBPath(home))
	if err != nil {
		return nil, err
	}
	if err := store.RunMigrations(st.DB()); err != nil {
		st.Close()
		return nil, err
	}
	ws, err := st.CreateWorkspace(workspace)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &env{cfg: cfg, store: st, ws: ws}, nil
}

// installTelemetryKey loads the per-install hashing key, creating it on
// first run. Safe output ids must be stable across restarts, so the key
// lives next to the state database.
func installTelemetryKey(home string) error {
	path := filepath.Join(home, "telemetry.key")
	var key [32]byte
	data, err := os.ReadFile(path)
	if err == nil && len(data) == len(key) {
		copy(key[:], data)
		ident.InitTelemetryKey(key)
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return core.Wrap(core.KindIO, err, "read telemetry key")
	}
	if _, err := rand.Read(key[:]); err != nil {
		return core.Wrap(core.KindIO, err, "generate telemetry key")
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return core.Wrap(core.KindIO, err, "create home directory")
	}
	if err := os.WriteFile(path, key[:], 0600); err != nil {
		return core.Wrap(core.KindIO, err, "write telemetry key")
	}
	ident.InitTelemetryKey(key)
	return nil
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
}

// renderError prints a structured error to stderr: kind, message, context
// and a suggestion when one exists.
func renderError(err error) {
	var ce *core.Error
	if !errors.As(err, &ce) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "error [%s]: %s\n", ce.Kind, ce.Message)
	if ce.Context != "" {
		fmt.Fprintf(os.Stderr, "  while: %s\n", ce.Context)
	}
	if ce.Err != nil {
		fmt.Fprintf(os.Stderr, "  cause: %v\n", ce.Err)
	}
	if ce.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", ce.Suggestion)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		renderError(err)
		os.Exit(1)
	}
}
