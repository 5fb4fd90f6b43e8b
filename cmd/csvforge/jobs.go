package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/csvforge/internal/files"
	"github.com/kiranshivaraju/csvforge/internal/jobs"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsReapCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		clientID, status, mode string
		limit                  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.JobFilter{
				ClientID: clientID,
				Status:   models.JobStatus(strings.ToLower(status)),
				Mode:     models.JobMode(strings.ToLower(mode)),
				Limit:    limit,
			}
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if filter.Mode != "" && !filter.Mode.Valid() {
				return fmt.Errorf("unknown mode %q", mode)
			}

			st, closeFn, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := st.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCLIENT\tMODE\tSTATUS\tCYCLE\tCREATED\tSTEP")
			for _, j := range list {
				step := ""
				if j.CurrentStep != nil {
					step = *j.CurrentStep
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.ClientID, j.Mode, strings.ToUpper(string(j.Status)), j.Cycle,
					j.CreatedAt.Format("2006-01-02 15:04"), step)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Only jobs of this client")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().StringVar(&mode, "mode", "", "Only training or inference jobs")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs")
	return cmd
}

func newJobsReapCmd() *cobra.Command {
	var (
		maxAge  time.Duration
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete finished jobs older than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxAge <= 0 {
				return fmt.Errorf("--max-age must be positive")
			}
			st, closeFn, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var remover jobs.JobFiles
			if dataDir != "" {
				fs, err := files.New(dataDir)
				if err != nil {
					return fmt.Errorf("open data dir: %w", err)
				}
				remover = fs
			}

			n, err := jobs.NewSweeper(st, remover, maxAge, 0).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "Delete finished jobs completed longer ago than this")
	cmd.Flags().StringVar(&dataDir, "data-dir", os.Getenv("CSVFORGE_DATA_DIR"), "Data directory to remove the jobs' files from; empty leaves files in place")
	return cmd
}
