package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/foresight/internal/core"
	"github.com/3cpo-dev/foresight/internal/server"
)

// Build the application from the --config flag
func openApp(cmd *cobra.Command) (*core.App, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return core.NewApp(cmd.Context(), cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Write a default config file
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			force, _ := cmd.Flags().GetBool("force")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", path)
				return nil
			}
			content, err := yaml.Marshal(core.DefaultConfig())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(path, content, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "put API keys in secrets.env next to it (OPENAI_API_KEY, GEMINI_API_KEY, HUGGINGFACE_API_TOKEN)")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	return cmd
}

// Run the HTTP server and health monitor
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve forecasts over HTTP with background health monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				app.Config.Server.Addr = addr
			}

			app.Monitor.Start(ctx)
			srv := server.New(app.Config.Server, app)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

// Run one prediction
func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Forecast cases and deaths for a region",
		RunE: func(cmd *cobra.Command, args []string) error {
			region, _ := cmd.Flags().GetString("region")
			extra, _ := cmd.Flags().GetStringToString("context")
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), app.Config.Server.RequestTimeout)
			defer cancel()
			rec, err := app.Orchestrator.Predict(ctx, region, extra)
			if errors.Is(err, core.ErrNoProviderAvailable) {
				return fmt.Errorf("no provider available; run `foresight lock reset` or `foresight lock acquire` once a provider recovers: %w", err)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().String("region", "", "region to forecast")
	cmd.Flags().StringToString("context", nil, "extra prompt context, key=value")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

// Show the combined status
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe every provider and print the combined status",
		RunE: func(cmd *cobra.Command, args []string) error {
			probe, _ := cmd.Flags().GetBool("probe")
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if probe {
				app.Monitor.Tick(cmd.Context())
			}
			return printJSON(cmd.OutOrStdout(), app.Orchestrator.Status())
		},
	}
	cmd.Flags().Bool("probe", true, "run one health check round first")
	return cmd
}

// Inspect and change the provider lock
func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or change the active provider lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			return printJSON(cmd.OutOrStdout(), app.Lock.Status())
		},
	}

	acquire := &cobra.Command{
		Use:   "acquire <provider>",
		Short: "Give the lock to a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			reason, _ := cmd.Flags().GetString("reason")
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.Lock.Acquire(cmd.Context(), args[0], force, "manual: "+reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lock held by %s\n", args[0])
			return nil
		},
	}
	acquire.Flags().Bool("force", false, "replace the current holder")
	acquire.Flags().String("reason", "operator request", "audit reason")

	release := &cobra.Command{
		Use:   "release",
		Short: "Release the lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if !app.Lock.Release(cmd.Context(), "manual: operator release") {
				fmt.Fprintln(cmd.OutOrStdout(), "lock was not held")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "lock released")
			return nil
		},
	}

	failover := &cobra.Command{
		Use:   "failover",
		Short: "Move the lock to the next available provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			next, err := app.Orchestrator.ForceFailover(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lock moved to %s\n", next)
			return nil
		},
	}
	failover.Flags().String("reason", "operator request", "audit reason")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the lock, counters and exhausted flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Lock.Reset(cmd.Context(), "manual: operator reset")
			fmt.Fprintln(cmd.OutOrStdout(), "lock reset")
			return nil
		},
	}

	cmd.AddCommand(acquire, release, failover, reset)
	return cmd
}

// Print the lock audit trail
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the lock audit trail, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			for _, e := range app.Lock.AuditTrail(limit) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Event, e.From, e.To, e.Reason)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of entries (0 for all)")
	return cmd
}

// Print a provider's health history
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print recorded health checks for a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, _ := cmd.Flags().GetString("provider")
			limit, _ := cmd.Flags().GetInt("limit")
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if provider == "" {
				return printJSON(cmd.OutOrStdout(), app.Monitor.AllProvidersHealth())
			}
			recs, err := app.Monitor.History(provider, limit)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					r.Timestamp.Format(time.RFC3339), r.Outcome, r.Latency, r.Error)
			}
			return nil
		},
	}
	cmd.Flags().String("provider", "", "provider name; all providers when empty")
	cmd.Flags().Int("limit", 20, "number of records (0 for all)")
	return cmd
}
