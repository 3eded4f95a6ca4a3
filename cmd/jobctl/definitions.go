package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"jobengine/internal/models"
)

func newDefinitionCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "Manage recurring job definitions",
	}
	cmd.AddCommand(
		newDefinitionCreateCmd(c),
		newDefinitionToggleCmd(c, "enable", true),
		newDefinitionToggleCmd(c, "disable", false),
		newDefinitionListCmd(c),
		newDefinitionDeleteCmd(c),
	)
	return cmd
}

func newDefinitionCreateCmd(c *cli) *cobra.Command {
	var (
		d        models.JobDefinition
		params   string
		interval int
		cron     string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "create <name> <handler>",
		Short: "Create a definition with --every or --cron",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.Name, d.HandlerName = args[0], args[1]
			d.IsEnabled = !disabled
			if params != "" {
				if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
					return fmt.Errorf("invalid --params json: %w", err)
				}
			}
			if cmd.Flags().Changed("every") {
				d.ScheduleIntervalMinutes = &interval
			}
			if cron != "" {
				d.ScheduleCron = &cron
			}
			created, err := c.app.Jobs.CreateDefinition(cmd.Context(), d)
			if err != nil {
				return err
			}
			return c.printJSON(created)
		},
	}
	cmd.Flags().IntVar(&interval, "every", 0, "interval in minutes")
	cmd.Flags().StringVar(&cron, "cron", "", "cron expression or descriptor such as @daily")
	cmd.Flags().StringVar(&d.QueueName, "queue", "", "queue for spawned jobs")
	cmd.Flags().StringVar(&d.JobType, "type", "", "job type for spawned jobs")
	cmd.Flags().IntVar(&d.Priority, "priority", 0, "priority for spawned jobs")
	cmd.Flags().IntVar(&d.MaxAttempts, "max-attempts", 0, "attempt budget for spawned jobs")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the definition disabled")
	return cmd
}

func newDefinitionToggleCmd(c *cli, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <definition-id>",
		Short: verb + " a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Jobs.SetDefinitionEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Definition %s: enabled=%t\n", args[0], enabled)
			return nil
		},
	}
}

func newDefinitionListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := c.app.Jobs.ListDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				fmt.Fprintln(c.out, "No definitions found.")
				return nil
			}
			for _, d := range defs {
				schedule := ""
				switch {
				case d.ScheduleCron != nil:
					schedule = *d.ScheduleCron
				case d.ScheduleIntervalMinutes != nil:
					schedule = fmt.Sprintf("every %dm", *d.ScheduleIntervalMinutes)
				}
				next := "-"
				if d.NextRunAt != nil {
					next = d.NextRunAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(c.out, "%s | %-20s | %-14s | enabled=%-5t | next=%s | %s\n",
					d.ID, d.Name, schedule, d.IsEnabled, next, d.HandlerName)
			}
			return nil
		},
	}
}

func newDefinitionDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <definition-id>",
		Short: "Delete a definition; spawned jobs are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Jobs.DeleteDefinition(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Definition deleted:", args[0])
			return nil
		},
	}
}

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Promote due definitions once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := c.app.Scheduler("").Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "due=%d promoted=%d skipped=%d failed=%d\n", res.Due, res.Promoted, res.Skipped, res.Failed)
			return nil
		},
	}
}
