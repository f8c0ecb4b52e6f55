package main

import (
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/fabric"
)

var serveQuiet bool

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the gateway, StarBridge and the Magnetic Rail",
	GroupID: "server",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return &fabric.StartupError{Code: "E_CONFIG_LOAD", Err: err}
		}
		f, err := fabric.Open(cmd.Context(), cfg, fabric.Options{Quiet: serveQuiet, Version: Version})
		if err != nil {
			return err
		}
		defer f.Close()

		if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
			h := strings.TrimSpace(strings.ToLower(host))
			loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
			if !loopback && len(cfg.AllowOrigins) == 0 {
				f.Logger.Warn("allow_origins is empty on non-loopback bind; browser clients on other origins will be rejected", "bind_addr", cfg.BindAddr)
			}
		}
		return f.Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveQuiet, "quiet", false, "write logs to the log file only")
}
