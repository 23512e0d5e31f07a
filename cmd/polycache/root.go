package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/corradodellorusso/polycache/internal/config"
)

const closeTimeout = 10 * time.Second

type appKey struct{}

// flagOrEnv prefers a non-empty flag, then the environment, then def.
func flagOrEnv(cmd *cobra.Command, flag, env, def string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(env); ok {
		return v
	}
	return def
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "polycache",
		Short:        "Inspect and exercise a tiered cache",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["standalone"] == "true" {
				return nil
			}
			cfg, err := config.Load(
				flagOrEnv(cmd, "config", "POLYCACHE_CONFIG", ""),
				flagOrEnv(cmd, "env-file", "POLYCACHE_ENV_FILE", ".env"),
			)
			if err != nil {
				return err
			}
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.LogLevel = lvl
			}
			zl, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, zl)
			if err != nil {
				_ = zl.Sync()
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
	}
	root.PersistentFlags().String("config", "", "YAML config file (env POLYCACHE_CONFIG)")
	root.PersistentFlags().String("env-file", "", "dotenv file (env POLYCACHE_ENV_FILE, default .env)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newGetCmd(),
		newSetCmd(),
		newDelCmd(),
		newKeysCmd(),
		newTTLCmd(),
		newResetCmd(),
		newSeedCmd(),
		newStampedeCmd(),
		newEnvCmd(),
	)
	return root
}

// withApp runs fn against the stack built in PersistentPreRunE and closes
// the stack afterwards, whatever fn returned.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a := cmd.Context().Value(appKey{}).(*app)
		err := fn(cmd, a, args)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
		defer cancel()
		err = multierr.Append(err, a.close(ctx))
		_ = a.log.Sync()
		return err
	}
}
