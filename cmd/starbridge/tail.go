package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/tui"
)

var (
	tailAddr   string
	tailTopics string
	tailMax    int
)

var tailCmd = &cobra.Command{
	Use:     "tail",
	Short:   "Live terminal view of a running server's event stream",
	GroupID: "server",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var topics []string
		if tailTopics != "" {
			topics = strings.Split(tailTopics, ",")
			if _, err := bus.ParseTopics(topics); err != nil {
				return err
			}
		}
		addr := tailAddr
		if addr == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			addr = strings.TrimSuffix(healthURL(cfg.BindAddr), "/healthz")
		}
		src, err := tui.DialWS(cmd.Context(), addr, topics)
		if err != nil {
			return err
		}
		defer src.Close()
		return tui.RunTail(cmd.Context(), src, tailMax)
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailAddr, "addr", "", "gateway address (default from bind_addr)")
	tailCmd.Flags().StringVar(&tailTopics, "topics", "", "comma-separated topics (default all)")
	tailCmd.Flags().IntVar(&tailMax, "max", 500, "events kept in memory")
}
