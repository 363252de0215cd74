package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hoard-backup/hoard/internal/retention"
	"github.com/hoard-backup/hoard/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	var full, cloud bool
	var snapshot string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a snapshot against its manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			mode := verify.ModeQuick
			switch {
			case cloud:
				mode = verify.ModeCloud
			case full:
				mode = verify.ModeFull
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			report, err := svc.VerifySnapshot(ctx, snapshot, mode)
			if err != nil {
				return err // could not verify: exit 2
			}

			for _, c := range report.Checks {
				if c.OK {
					continue
				}
				fmt.Printf("FAIL %s: %s\n", c.Path, c.Detail)
			}
			fmt.Printf("%s verification: %d checks, %d failed\n",
				report.Mode, len(report.Checks), report.Failures)
			os.Exit(report.ExitCode())
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "recompute hashes and deep-check database artifacts")
	cmd.Flags().BoolVar(&cloud, "cloud", false, "compare against the cloud remote")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot name (default: newest)")
	return cmd
}

func newPruneCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			if dryRun {
				plan, err := svc.PrunePlan()
				if err != nil {
					return err
				}
				for _, s := range plan.Prune {
					fmt.Printf("would prune %s (%s)\n", s.Name, formatBytes(s.Size))
				}
				fmt.Printf("%d kept, %d would be pruned\n", len(plan.Keep), len(plan.Prune))
				return nil
			}

			res, err := svc.Prune()
			if err != nil {
				return err
			}
			fmt.Printf("%d kept, %d pruned, %s freed\n", res.Kept, res.Pruned, formatBytes(res.BytesFreed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be pruned without deleting")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backup health for the target",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			h, err := svc.HealthCheck()
			if err != nil {
				return err
			}

			fmt.Printf("status:    %s\n", h.Status)
			fmt.Printf("message:   %s\n", h.Message)
			fmt.Printf("snapshots: %d (%s in %s)\n", h.TotalSnapshots, formatBytes(h.DiskSpaceUsed), h.BackupDir)
			if h.LastRun != nil {
				fmt.Printf("last run:  %s %s (exit %d, severity %s)\n",
					h.LastRun.Timestamp.Local().Format(time.RFC3339),
					h.LastRun.Status, h.LastRun.ExitCode, h.LastRun.Severity.Level)
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			snaps, err := svc.Snapshots()
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("no snapshots")
				return nil
			}

			for _, s := range snaps {
				pin := ""
				if s.Pinned {
					pin = "  [pinned]"
				}
				fmt.Printf("%s  %s%s\n", s.Name, formatBytes(s.Size), pin)
			}
			return nil
		},
	}
}

func newPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <snapshot>",
		Short: "Mark a snapshot never-delete",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return retention.Pin(cfg.TargetBackupDir(), args[0])
		},
	}
}

func newUnpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <snapshot>",
		Short: "Remove a snapshot's never-delete mark",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return retention.Unpin(cfg.TargetBackupDir(), args[0])
		},
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
