package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hoard-backup/hoard/internal/backup"
)

func newBackupCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one backup now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			if !force {
				last, err := svc.LastRun()
				if err != nil {
					return err
				}
				if last != nil && last.Actions.StopDaemon {
					return fmt.Errorf("runs suspended after %s severity on run %s; use --force to override",
						last.Severity.Level, last.ID)
				}
			}

			run, err := svc.RunOnce(cmd.Context())
			if backup.IsBusy(err) {
				return fmt.Errorf("target is locked by another run")
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s: %s (%d/%d files, %d/%d databases)\n",
				run.Target, run.Status,
				run.Files.Succeeded, run.Files.Total,
				run.Databases.Succeeded, run.Databases.Total)
			if run.Remediation != "" {
				fmt.Println(run.Remediation)
			}
			os.Exit(run.ExitCode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even while scheduled runs are suspended")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled backups until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := backup.NewDaemon(svc).Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func newService() (*backup.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return backup.NewService(cfg)
}
