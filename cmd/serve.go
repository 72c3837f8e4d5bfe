package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arkadas/chaton2api/pkg/config"
	"github.com/arkadas/chaton2api/pkg/logutil"
	"github.com/arkadas/chaton2api/pkg/proxy"
	"github.com/arkadas/chaton2api/pkg/upstream"
)

var (
	serveConfigPath               string
	serveListenAddrOverride       string
	serveBaseURLOverride          string
	serveVariantOverride          string
	serveCredentialHelperOverride string
	serveLogLevelOverride         string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("base-url") {
				cfg.BaseURL = serveBaseURLOverride
			}
			if cmd.Flags().Changed("variant") {
				cfg.Upstream.Variant = serveVariantOverride
			}
			if cmd.Flags().Changed("credential-helper") {
				cfg.Upstream.CredentialHelper = serveCredentialHelperOverride
			}
			if cmd.Flags().Changed("loglevel") {
				cfg.LogLevel = serveLogLevelOverride
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return err
			}

			creds := &upstream.HelperCommand{Path: cfg.Upstream.CredentialHelper}
			srv := proxy.NewServer(cfg, creds)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveBaseURLOverride, "base-url", "", "Override public base URL used for persisted image links")
	serveCmd.Flags().StringVar(&serveVariantOverride, "variant", "", "Override upstream variant (free or pro)")
	serveCmd.Flags().StringVar(&serveCredentialHelperOverride, "credential-helper", "", "Override path to the credential helper program")
	serveCmd.Flags().StringVar(&serveLogLevelOverride, "loglevel", "", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}
