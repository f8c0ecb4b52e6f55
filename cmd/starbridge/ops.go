package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDucar/dream-net-sub003/internal/ledger"
)

var rollupDate string

var rollupCmd = &cobra.Command{
	Use:     "rollup",
	Short:   "Compute the Merkle rollup for one UTC day (default yesterday)",
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if rollupDate != "" {
			d, err := ledger.ParseDate(rollupDate)
			if err != nil {
				return err
			}
			day = d
		}
		f, err := openOffline(cmd.Context())
		if err != nil {
			return err
		}
		defer f.Close()

		root, err := f.Ledger.RunVectorRollup(cmd.Context(), day)
		if err != nil {
			return fmt.Errorf("rollup %s: %w", day.Format(ledger.DateLayout), err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), root)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d events  (%s)\n", root.BatchDate, root.MerkleRoot, root.EventCount, root.HashAlgo)
		return nil
	},
}

var proofCmd = &cobra.Command{
	Use:     "proof <vector-event-id>",
	Short:   "Print the Merkle inclusion proof for a vector event",
	GroupID: "ops",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := openOffline(cmd.Context())
		if err != nil {
			return err
		}
		defer f.Close()

		proof, err := f.Ledger.GetProof(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), proof)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "record:   %s (%s/%s)\n", proof.Record.ID, proof.Record.ObjectType, proof.Record.ObjectID)
		fmt.Fprintf(out, "leaf:     %s (index %d, %d steps)\n", proof.Leaf, proof.Index, len(proof.Path))
		fmt.Fprintf(out, "root:     %s\n", proof.ComputedRoot)
		if proof.Rollup == nil {
			fmt.Fprintln(out, "anchored: no rollup stored for this day")
			return exitError(1)
		}
		fmt.Fprintf(out, "anchored: %t (stored %s)\n", proof.Anchored, proof.Rollup.MerkleRoot)
		if !proof.Anchored {
			return exitError(1)
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Short:   "Run one integrity watchdog snapshot",
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := openOffline(cmd.Context())
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := f.Watchdog.RunSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "snapshot %s: %d files\n", res.SnapshotID, res.FileCount)
		switch {
		case res.First:
			fmt.Fprintln(out, "baseline recorded")
		case res.Diff.Empty():
			fmt.Fprintln(out, "no drift")
		default:
			fmt.Fprintf(out, "drift (%s): %d added, %d removed, %d changed\n",
				res.Diff.Severity(), len(res.Diff.Added), len(res.Diff.Removed), len(res.Diff.Changed))
		}
		for _, s := range res.Skipped {
			fmt.Fprintf(out, "skipped %s: %s\n", s.Path, s.Error)
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Short:   "List Magnetic Rail jobs",
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := openOffline(cmd.Context())
		if err != nil {
			return err
		}
		defer f.Close()

		jobs := f.Rail.Jobs()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), jobs)
		}
		for _, j := range jobs {
			state := "active"
			if !j.Active {
				state = "paused"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-16s %-7s %s\n", j.ID, j.CronExpr, state, j.Name)
		}
		return nil
	},
}

var runJobCmd = &cobra.Command{
	Use:     "run <job-id>",
	Short:   "Run one Magnetic Rail job now",
	GroupID: "ops",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := openOffline(cmd.Context())
		if err != nil {
			return err
		}
		defer f.Close()

		if err := f.Rail.RunJob(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("job %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s completed\n", args[0])
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:     "backup <dest.db>",
	Short:   "Write a consistent copy of the database",
	GroupID: "ops",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := openOffline(cmd.Context())
		if err != nil {
			return err
		}
		defer f.Close()

		if err := f.Store.Backup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", args[0])
		return nil
	},
}

func init() {
	rollupCmd.Flags().StringVar(&rollupDate, "date", "", "UTC day as YYYY-MM-DD")
}
