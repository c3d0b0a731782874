package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/outpost-run/outpost/pkg/backend"
	"github.com/outpost-run/outpost/pkg/backend/device"
	dockerbackend "github.com/outpost-run/outpost/pkg/backend/docker"
	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/controller"
	"github.com/outpost-run/outpost/pkg/creds"
	"github.com/outpost-run/outpost/pkg/sandbox"
	"github.com/outpost-run/outpost/pkg/server"
	"github.com/outpost-run/outpost/pkg/session"
	"github.com/outpost-run/outpost/pkg/store/sqlite"
)

func main() {
	root := &cobra.Command{
		Use:   "outpost",
		Short: "Outpost — sandboxed agent conversations with session continuity",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the outpost server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := &slog.HandlerOptions{Level: slog.LevelDebug}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			db, err := sqlite.New(cfg.Database)
			if err != nil {
				return fmt.Errorf("initializing store: %w", err)
			}
			defer db.Close()

			providers, err := buildProviders(cfg)
			if err != nil {
				return err
			}
			if _, ok := providers[cfg.Sandbox.DefaultProvider]; !ok {
				return fmt.Errorf("%w: %q", sandbox.ErrProviderNotConfigured, cfg.Sandbox.DefaultProvider)
			}

			source := buildCredentials(cfg)

			resolver := sandbox.NewResolver(db, db, providers, cfg.Sandbox.DefaultProvider)
			bootstrapper := sandbox.NewBootstrapper(cfg.Agent.StartCommand, cfg.Agent.WorkDir)
			bootstrapper.ReadyTimeout = cfg.Agent.ReadyTimeout.Std()
			bootstrapper.PollInterval = cfg.Agent.PollInterval.Std()

			sessions := session.NewManager(db, source, session.NewReplayer(db))
			ctrl := controller.New(db, db, db, resolver, bootstrapper, sessions, source)

			srv := server.New(db, db, ctrl)
			return srv.Start(cfg.Listen)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "outpost.yaml", "path to config file")
	return cmd
}

func buildProviders(cfg *config.Config) (map[string]backend.Provider, error) {
	providers := make(map[string]backend.Provider)

	if cfg.Sandbox.Docker != nil {
		p, err := dockerbackend.New(cfg.Sandbox.Docker.Image, cfg.Sandbox.Docker.AgentPort)
		if err != nil {
			return nil, fmt.Errorf("initializing docker provider: %w", err)
		}
		providers["docker"] = p
	}
	if d := cfg.Sandbox.Device; d != nil {
		providers["device"] = device.New(d.ID, d.Addr, d.AgentAddr)
	}
	return providers, nil
}

func buildCredentials(cfg *config.Config) creds.Source {
	source := &creds.Static{
		Credentials: make(map[string]creds.Credential),
		EnvVars:     make(map[string]string),
	}
	for provider, entry := range cfg.Credentials {
		cred := creds.Credential{
			Access:  entry.Access,
			Refresh: entry.Refresh,
			Expiry:  entry.Expiry,
			Key:     entry.Key,
		}
		source.Credentials[provider] = cred
		if entry.EnvVar != "" {
			value := entry.Key
			if cred.IsOAuth() {
				value = entry.Access
			}
			source.EnvVars[entry.EnvVar] = value
		}
	}
	for k, v := range cfg.Env {
		source.EnvVars[k] = v
	}
	return source
}
