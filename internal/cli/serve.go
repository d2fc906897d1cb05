package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hirecj/cj-gateway/internal/agent"
	"github.com/hirecj/cj-gateway/internal/bridge"
	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/gateway"
	"github.com/hirecj/cj-gateway/internal/identity"
	"github.com/hirecj/cj-gateway/internal/integrations"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/hirecj/cj-gateway/internal/routing"
	"github.com/hirecj/cj-gateway/internal/store"
	"github.com/hirecj/cj-gateway/internal/workflow"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			// The flag wins over the config file; pretty or JSON output
			// follows the config either way.
			level := logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			if cfg.Logging.Style == "json" {
				log = logging.NewJSON(nil, level)
			} else {
				log = logging.New(nil, level)
			}

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating data directories: %w", err)
			}

			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = filepath.Join(paths.Data, "cj-gateway.db")
			}
			db, err := store.Open(dbPath, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			sessions := store.NewSessionStore(db)
			handoffs := store.NewHandoffStore(db)
			log.Info().Str("path", dbPath).Msg("session store ready")

			catalogPath := cfg.Workflows.CatalogPath
			if catalogPath == "" {
				catalogPath = paths.Workflows
			}
			catalog, err := workflow.LoadCatalog(catalogPath)
			if err != nil {
				return fmt.Errorf("loading workflow catalog: %w", err)
			}
			log.Info().Strs("workflows", catalog.Names()).Msg("workflow catalog loaded")

			var checker integrations.Checker
			if cfg.Integrations.Endpoint != "" {
				checker = integrations.NewHTTPChecker(
					cfg.Integrations.Endpoint,
					time.Duration(cfg.Integrations.TimeoutSeconds)*time.Second,
				)
			} else {
				log.Warn().Msg("no integrations endpoint configured, integration checks always report disconnected")
				checker = integrations.NewStaticChecker()
			}

			roles := workflow.Roles{
				Onboarding:      cfg.Workflows.Onboarding,
				GeneralSupport:  cfg.Workflows.GeneralSupport,
				PostIntegration: cfg.Workflows.PostIntegration,
				Providers:       cfg.Integrations.Providers,
			}
			selector := workflow.NewSelector(catalog, sessions, checker, roles, log)
			machine := workflow.NewMachine(catalog, sessions, log)
			br := bridge.New(handoffs, sessions, catalog, log)

			var runtime agent.Runtime
			if cfg.Runtime.Endpoint != "" {
				runtime = agent.NewHTTPRuntime(
					cfg.Runtime.Endpoint,
					cfg.Runtime.APIKey,
					time.Duration(cfg.Runtime.TimeoutSeconds)*time.Second,
				)
				log.Info().Str("endpoint", cfg.Runtime.Endpoint).Msg("agent runtime configured")
			} else {
				log.Warn().Msg("no agent runtime endpoint configured, replies will echo")
				runtime = agent.NewScriptedRuntime()
			}

			router := routing.NewRouter(sessions, machine, selector, br, runtime, log)
			resolver := identity.NewResolver(cfg.Identity.CookieName, cfg.Identity.Secret)

			opts := []gateway.ServerOption{gateway.WithHandoffSweeper(handoffs)}
			if cfg.OAuth.ClientID != "" {
				targetFor := func(provider string) string {
					if wf, ok := cfg.Workflows.PostIntegration[provider]; ok {
						return wf
					}
					return cfg.Workflows.GeneralSupport
				}
				oauth := bridge.NewOAuthHandlers(cfg.OAuth, br, targetFor, log)
				opts = append(opts, gateway.WithMount(oauth.Register))
				log.Info().Str("provider", cfg.OAuth.Provider).Msg("oauth continuity bridge mounted")
			}

			srv := gateway.New(cfg.Gateway, resolver, router, log, opts...)

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}
