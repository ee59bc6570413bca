package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChrisDover/centinela-intel-sub001/internal/app"
	"github.com/ChrisDover/centinela-intel-sub001/internal/config"
	"github.com/ChrisDover/centinela-intel-sub001/internal/jobs"
)

var jobDescriptions = map[string]string{
	jobs.JobDaily:    "Evaluate running tests, then recompute send hours",
	jobs.JobEvaluate: "Evaluate every running A/B test",
	jobs.JobOptimize: "Recompute every active recipient's send hour",
	jobs.JobDispatch: "Send pending scheduled messages to the provider",
	jobs.JobCleanup:  "Delete old scheduled messages that reached a final status",
}

// jobCommands returns one command per runner job
func jobCommands() []*cobra.Command {
	var cmds []*cobra.Command
	for _, name := range jobs.Names() {
		cmds = append(cmds, &cobra.Command{
			Use:   name,
			Short: jobDescriptions[name],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app.App) error {
					result, err := a.Runner().Run(cmd.Context(), name)
					if result != nil {
						if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
							return perr
						}
					}
					return err
				})
			},
		})
	}
	return cmds
}

var sendCmd = &cobra.Command{
	Use:   "send <campaign-id>",
	Short: "Prepare and dispatch a campaign to all active recipients",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			result, err := a.Sender().Send(cmd.Context(), args[0], time.Now())
			if result != nil {
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

// withApp builds the engine for a one-shot command and closes it afterwards
func withApp(fn func(a *app.App) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, version)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}
