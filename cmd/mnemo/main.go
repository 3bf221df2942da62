package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/mnemo/internal/config"
	"github.com/efebarandurmaz/mnemo/internal/logging"
	"github.com/efebarandurmaz/mnemo/internal/memory"
	"github.com/efebarandurmaz/mnemo/internal/observability"
	"github.com/efebarandurmaz/mnemo/internal/server"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "mnemo",
		Short:        "Per-user semantic conversation memory",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")

	// session opens a Manager for one command and closes it afterwards.
	session := func(cmd *cobra.Command, fn func(context.Context, *memory.Manager) error) error {
		cfg := loadConfig(configPath)
		if err := logging.Init(cfg.Log); err != nil {
			return err
		}
		defer func() { _ = logging.Sync() }()

		ctx := cmd.Context()
		m, provider, err := newManager(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer closeAll(m, provider)
		return fn(ctx, m)
	}

	addCmd := &cobra.Command{
		Use:   "add <user> <prompt> <reply>",
		Short: "Store an exchange in a user's memory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return session(cmd, func(ctx context.Context, m *memory.Manager) error {
				if !m.Add(ctx, args[0], args[1], args[2]) {
					return fmt.Errorf("exchange for user %s was not stored", args[0])
				}
				fmt.Fprintf(out, "stored in %s backend\n", m.Backend())
				return nil
			})
		},
	}

	var limit int
	searchCmd := &cobra.Command{
		Use:   "search <user> <query>",
		Short: "Print a user's most relevant memories as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return session(cmd, func(ctx context.Context, m *memory.Manager) error {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(m.Search(ctx, args[0], args[1], limit))
			})
		},
	}
	searchCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of memories (0 uses memory.default_limit)")

	var contextLimit int
	contextCmd := &cobra.Command{
		Use:   "context <user> <query>",
		Short: "Print the prompt preamble built from a user's relevant memories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return session(cmd, func(ctx context.Context, m *memory.Manager) error {
				fmt.Fprint(out, m.FormatContext(m.Search(ctx, args[0], args[1], contextLimit)))
				return nil
			})
		},
	}
	contextCmd.Flags().IntVar(&contextLimit, "limit", 0, "Maximum number of memories (0 uses memory.default_limit)")

	clearCmd := &cobra.Command{
		Use:   "clear <user>",
		Short: "Delete every memory of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return session(cmd, func(ctx context.Context, m *memory.Manager) error {
				if !m.Clear(ctx, args[0]) {
					return fmt.Errorf("memories of user %s were not cleared", args[0])
				}
				fmt.Fprintf(out, "cleared memories of %s\n", args[0])
				return nil
			})
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health probes and metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), loadConfig(configPath))
		},
	}

	rootCmd.AddCommand(addCmd, searchCmd, contextCmd, clearCmd, serveCmd)
	return rootCmd
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: config load failed (%v), using defaults\n", err)
		return config.Default()
	}
	return cfg
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(cfg.Log); err != nil {
		return err
	}

	tp, err := observability.InitTracing(ctx, &cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, provider, err := newManager(ctx, cfg, reg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return err
	}

	g := server.NewGracefulServer(&server.HealthConfig{Version: version}, nil)
	g.Health.RegisterCheck("memory", server.MemoryHealthChecker(m))
	g.Health.RegisterCheck("embedding", server.PingHealthChecker("embedding", func(ctx context.Context) error {
		_, err := provider.Embed(ctx, "health check")
		return err
	}))
	g.Health.Handle("/metrics", observability.Handler(reg))

	g.RegisterHook(server.MemoryShutdownHook(func() error {
		closeAll(m, provider)
		return nil
	}))
	g.RegisterHook(server.TracingShutdownHook(tp.Shutdown))
	g.RegisterHook(server.LoggerSyncHook())

	logging.Infof("mnemo %s serving on %s (backend %s, mode %s)", version, cfg.Server.Addr, m.Backend(), m.Mode())
	g.Start(cfg.Server.Addr)
	return g.Wait()
}

func closeAll(m *memory.Manager, provider any) {
	if err := m.Close(); err != nil {
		logging.Warnf("close memory backend: %v", err)
	}
	if c, ok := provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logging.Warnf("close embedding provider: %v", err)
		}
	}
}
