package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/doctor"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Query /healthz of a running server",
	GroupID: "server",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config load: %w", err)
		}
		return fetchHealth(cmd.Context(), cfg.BindAddr, cmd.OutOrStdout())
	},
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func fetchHealth(ctx context.Context, addr string, out io.Writer) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(addr), nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return exitError(1)
	}
	return nil
}

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	Short:   "Run offline diagnostics",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		}
		diag := doctor.Run(cmd.Context(), &cfg, Version)

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), diag); err != nil {
				return err
			}
		} else {
			printDiagnosis(cmd.OutOrStdout(), diag, isatty.IsTerminal(os.Stdout.Fd()))
		}
		if diag.Failed() {
			return exitError(1)
		}
		return nil
	},
}

func printDiagnosis(out io.Writer, diag doctor.Diagnosis, fancy bool) {
	fmt.Fprintf(out, "StarBridge Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		label := "[" + res.Status + "]"
		if fancy {
			switch res.Status {
			case doctor.StatusPass:
				label = "✅"
			case doctor.StatusFail:
				label = "❌"
			case doctor.StatusWarn:
				label = "⚠️ "
			case doctor.StatusSkip:
				label = "⏩"
			}
		}
		fmt.Fprintf(out, "%s %-12s: %s\n", label, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", res.Detail)
		}
	}
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print the version",
	GroupID: "system",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "starbridge", Version)
	},
}
