package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jobengine/internal/models"
)

func newEnqueueCmd(c *cli) *cobra.Command {
	var (
		in       models.NewJob
		params   string
		delay    time.Duration
		submitBy string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <handler>",
		Short: "Submit a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.HandlerName = args[0]
			if params != "" {
				if err := json.Unmarshal([]byte(params), &in.Parameters); err != nil {
					return fmt.Errorf("invalid --params json: %w", err)
				}
			}
			if delay > 0 {
				at := time.Now().Add(delay)
				in.ScheduledFor = &at
			}
			if submitBy != "" {
				in.SubmittedBy = &submitBy
			}
			job, err := c.app.Jobs.EnqueueJob(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Job enqueued:", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.QueueName, "queue", "", "queue name (default from config)")
	cmd.Flags().StringVar(&in.JobType, "type", "", "job type (defaults to the handler name)")
	cmd.Flags().IntVar(&in.Priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&in.MaxAttempts, "max-attempts", 0, "attempt budget (default from config)")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	cmd.Flags().DurationVar(&delay, "delay", 0, "do not run before now+delay")
	cmd.Flags().StringVar(&submitBy, "submitted-by", "", "submitter recorded on the job")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.app.Jobs.GetJobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(job)
		},
	}
}

func newListCmd(c *cli) *cobra.Command {
	var (
		status string
		f      models.JobFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = models.JobStatus(status)
			list, err := c.app.Jobs.ListJobs(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(c.out, "No jobs found.")
				return nil
			}
			for _, j := range list {
				fmt.Fprintf(c.out, "%s | %-9s | %-10s | p=%d | attempts=%d/%d | %s\n",
					j.ID, j.Status, j.QueueName, j.Priority, j.Attempts, j.MaxAttempts, j.HandlerName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending,running,completed,failed,cancelled)")
	cmd.Flags().StringVar(&f.Queue, "queue", "", "filter by queue")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func newLogsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := c.app.Jobs.GetJobLogs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, l := range logs {
				fmt.Fprintf(c.out, "%s %-5s %s", l.LoggedAt.Format(time.RFC3339), l.Level, l.Message)
				if len(l.Metadata) > 0 {
					meta, _ := json.Marshal(l.Metadata)
					fmt.Fprintf(c.out, " %s", meta)
				}
				fmt.Fprintln(c.out)
			}
			return nil
		},
	}
}

func newArtifactsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "List a job's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arts, err := c.app.Jobs.GetJobArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(arts)
		},
	}
}

func newCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Jobs.CancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Job cancelled:", args[0])
			return nil
		},
	}
}

func newRetryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Return a failed job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Jobs.RetryJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Job requeued:", args[0])
			return nil
		},
	}
}

func newStatsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Queue and handler statistics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "queues",
		Short: "Job counts per queue and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := c.app.Jobs.GetQueueStats(cmd.Context())
			if err != nil {
				return err
			}
			for _, q := range stats {
				fmt.Fprintf(c.out, "%-12s total=%d", q.QueueName, q.Total)
				for _, st := range models.AllStatuses {
					fmt.Fprintf(c.out, " %s=%d", st, q.Counts[st])
				}
				fmt.Fprintln(c.out)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "performance",
		Short: "Duration and failure rate per handler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			perf, err := c.app.Jobs.GetJobPerformance(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range perf {
				fmt.Fprintf(c.out, "%-24s completed=%d failed=%d avg=%.2fs failure_rate=%.1f%%\n",
					p.HandlerName, p.Completed, p.Failed, p.AvgDurationSecs, p.FailureRate*100)
			}
			return nil
		},
	})
	return cmd
}
