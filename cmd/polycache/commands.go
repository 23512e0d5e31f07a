package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/corradodellorusso/polycache"
	"github.com/corradodellorusso/polycache/internal/config"
	"github.com/corradodellorusso/polycache/provider"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Read a key through the tiers",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			v, ok, err := a.tiered.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "(miss)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}),
	}
}

func newSetCmd() *cobra.Command {
	var ttl string
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Write a key to every tier",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			d, err := parseTTL(ttl)
			if err != nil {
				return err
			}
			return a.tiered.Set(cmd.Context(), args[0], args[1], d)
		}),
	}
	cmd.Flags().StringVar(&ttl, "ttl", "", `lifetime such as "90s" or "1d12h"; "never" for no expiry; empty uses tier defaults`)
	return cmd
}

func parseTTL(s string) (time.Duration, error) {
	switch s {
	case "":
		return 0, nil
	case "never":
		return polycache.NoExpiry, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("ttl: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl: must be positive, got %s", s)
	}
	return d, nil
}

func newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del KEY...",
		Short: "Delete keys from every tier",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return a.tiered.DelMany(cmd.Context(), args...)
		}),
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [PATTERN]",
		Short: "List keys per tier",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			for _, c := range a.tiers {
				keys, err := c.Keys(cmd.Context(), pattern)
				if errors.Is(err, provider.ErrUnsupported) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t(listing unsupported)\n", c.Name())
					continue
				}
				if err != nil {
					return fmt.Errorf("%s: %w", c.Name(), err)
				}
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.Name(), k)
				}
			}
			return nil
		}),
	}
}

func newTTLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ttl KEY",
		Short: "Show the remaining lifetime of a key in each tier",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			for _, c := range a.tiers {
				d, err := c.TTL(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", c.Name(), err)
				}
				if d == polycache.NoExpiry {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tnone\n", c.Name())
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.Name(), d.Round(time.Millisecond))
			}
			return nil
		}),
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear every tier (namespace only on shared backends)",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			return a.tiered.Reset(cmd.Context())
		}),
	}
}

func newSeedCmd() *cobra.Command {
	var (
		n      int
		prefix string
		seed   int64
		ttl    string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write fake entries to every tier",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			d, err := parseTTL(ttl)
			if err != nil {
				return err
			}
			faker := gofakeit.New(seed)
			entries := make([]polycache.Entry[string], n)
			for i := range entries {
				entries[i] = polycache.Entry[string]{
					Key:   fmt.Sprintf("%s:%d", prefix, i),
					Value: fmt.Sprintf("%s <%s>", faker.Name(), faker.Email()),
					TTL:   d,
				}
			}
			if err := a.tiered.SetMany(cmd.Context(), entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d entries under %s:*\n", n, prefix)
			return nil
		}),
	}
	cmd.Flags().IntVar(&n, "n", 100, "number of entries")
	cmd.Flags().StringVar(&prefix, "prefix", "user", "key prefix")
	cmd.Flags().Int64Var(&seed, "seed", 0, "faker seed; 0 picks a random one")
	cmd.Flags().StringVar(&ttl, "ttl", "", "entry lifetime")
	return cmd
}

func newStampedeCmd() *cobra.Command {
	var (
		n      int
		delay  time.Duration
		bypass bool
	)
	cmd := &cobra.Command{
		Use:   "stampede KEY",
		Short: "Fire concurrent Wrap calls on one key and count producer runs",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			key := args[0]
			var runs atomic.Int64
			produce := func(ctx context.Context) (string, error) {
				runs.Add(1)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
				return "computed@" + time.Now().UTC().Format(time.RFC3339Nano), nil
			}
			var opts []polycache.WrapOption
			if bypass {
				opts = append(opts, polycache.WithoutCoalescing())
			}

			values := make([]string, n)
			start := time.Now()
			g, ctx := errgroup.WithContext(cmd.Context())
			for i := range n {
				g.Go(func() error {
					v, err := a.tiered.Wrap(ctx, key, produce, opts...)
					values[i] = v
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			distinct := make(map[string]struct{})
			for _, v := range values {
				distinct[v] = struct{}{}
			}
			a.log.Debug("stampede done", zap.String("key", key), zap.Duration("took", time.Since(start)))
			fmt.Fprintf(cmd.OutOrStdout(), "calls=%d producer_runs=%d distinct_values=%d\n", n, runs.Load(), len(distinct))
			return nil
		}),
	}
	cmd.Flags().IntVar(&n, "n", 100, "concurrent callers")
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "producer latency")
	cmd.Flags().BoolVar(&bypass, "no-coalesce", false, "disable single-flight for comparison")
	return cmd
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "env",
		Short:       "Describe the environment variables polycache reads",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"standalone": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(config.Usage()))
		},
	}
}
