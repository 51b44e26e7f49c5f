package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/imagecache"
	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "execbox",
		Short: "Run untrusted code in throwaway containers",
		Long: `execbox executes submitted source code inside short-lived containers
built from cached per-language images, over HTTP or MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the config file (default ./config.yaml or ./config/config.yaml)")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newLanguagesCmd(&configPath),
		newCacheCmd(&configPath),
	)
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the execution service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := newApp(*configPath)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newLanguagesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the supported languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			registry, err := language.NewFromConfig(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LANGUAGE\tIMAGE\tDEPENDENCIES")
			for _, name := range registry.Names() {
				p, _ := registry.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\t%t\n", name, p.Image, p.SupportsDependencies())
			}
			return w.Flush()
		},
	}
}

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the image cache",
	}
	cmd.AddCommand(
		newCacheListCmd(configPath),
		newCachePruneCmd(configPath),
	)
	return cmd
}

func newCacheListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached images, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(*configPath, func(_ context.Context, cache *imagecache.Cache) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "IMAGE\tLANGUAGE\tLAST USED")
				for _, rec := range cache.Records() {
					fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Ref, rec.Language, rec.LastUsedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func newCachePruneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Reconcile the cache with the engine and evict images beyond the size limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(*configPath, func(ctx context.Context, cache *imagecache.Cache) error {
				res, err := cache.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %d, adopted %d, evicted %d\n",
					res.Dropped, res.Adopted, res.Evicted)
				return nil
			})
		},
	}
}

// openEngine connects one-shot commands to the container engine.
var openEngine = engine.New

// withCache builds the cache outside the fx graph for one-shot commands.
func withCache(configPath string, fn func(context.Context, *imagecache.Cache) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // best effort on exit

	eng, err := openEngine(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("closing engine client", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, imagecache.NewFromConfig(cfg, eng, log))
}
