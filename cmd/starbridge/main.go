package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/fabric"
)

// Version is set at build time with -ldflags.
var Version = "v0.3-dev"

var (
	homeDir    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "starbridge <command>",
	Short:         "Trust and governance event fabric",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if homeDir != "" {
			os.Setenv("STARBRIDGE_HOME", homeDir)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "state directory (default $STARBRIDGE_HOME or ~/.starbridge)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
	rootCmd.AddCommand(serveCmd, statusCmd, tailCmd)
	rootCmd.AddCommand(rollupCmd, proofCmd, snapshotCmd, jobsCmd, runJobCmd, backupCmd)
	rootCmd.AddCommand(doctorCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(int(ee))
		}
		var se *fabric.StartupError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "startup failed [%s]: %v\n", se.Code, se.Err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// exitError carries a process exit code without a message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// openOffline builds the fabric for one-shot commands. Logs go to the file
// only so stdout stays clean for results.
func openOffline(ctx context.Context) (*fabric.Fabric, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &fabric.StartupError{Code: "E_CONFIG_LOAD", Err: err}
	}
	f, err := fabric.Open(ctx, cfg, fabric.Options{Quiet: true, Version: Version})
	if err != nil {
		return nil, err
	}
	f.Rail.AttachControl()
	return f, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
