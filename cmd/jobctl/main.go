package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"jobengine/internal/app"
	"jobengine/internal/config"
)

// cli carries the app opened before any subcommand runs.
type cli struct {
	app *app.App
	out io.Writer
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and operate the job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.app, err = app.New(cmd.Context(), cfg)
			return err
		},
	}
	root.AddCommand(
		newEnqueueCmd(c),
		newStatusCmd(c),
		newListCmd(c),
		newLogsCmd(c),
		newArtifactsCmd(c),
		newCancelCmd(c),
		newRetryCmd(c),
		newStatsCmd(c),
		newDefinitionCmd(c),
		newSweepCmd(c),
	)
	return root
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// close releases the app if a command opened one.
func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

func run(ctx context.Context, c *cli, args []string) error {
	defer c.close()
	root := newRootCmd(c)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := app.SignalContext()
	err := run(ctx, &cli{out: os.Stdout}, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
