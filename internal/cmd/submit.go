package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Trustflow-Network-Labs/compute-client/internal/api"
	"github.com/Trustflow-Network-Labs/compute-client/internal/core"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
)

var (
	submitWait    bool
	submitWaitSec float64
)

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit the jobs described in a JSON or YAML file",
	Long: `Submit one or more jobs. Inputs may reference the output of an existing job
({"jobOutput": {"jobId": "...", "name": "..."}}) or of an earlier job in the
same file ({"jobOutput": {"job": 0, "name": "..."}}); the referenced jobs are
recorded as dependencies.

The user API key is read from COMPUTE_CLIENT_USER_API_KEY.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		file, err := core.LoadSubmissionFile(args[0])
		exitOnError(err, "Failed to read submission file", "submit")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := api.NewClient(config, logger)
		targets := config.GetConfigSlice("submit_default_targets", []string{"*"})
		jobs, err := core.SubmitAll(ctx, client, os.Getenv(types.EnvUserAPIKey), file, targets)
		for _, job := range jobs {
			fmt.Printf("%s %s\n", job.JobID, job.Status)
		}
		exitOnError(err, "Failed to submit jobs", "submit")

		if !submitWait {
			return
		}

		waiter := core.NewJobWaiter(client, logger)
		maxWait := time.Duration(submitWaitSec * float64(time.Second))
		interactive := term.IsTerminal(int(os.Stdout.Fd()))
		failed := false
		for _, job := range jobs {
			final, err := waiter.WaitUntilDone(ctx, job, maxWait, func(j *types.DendroJob) {
				if interactive {
					fmt.Printf("\r%s %-10s", j.JobID, j.Status)
				} else {
					fmt.Printf("%s %s\n", j.JobID, j.Status)
				}
			})
			if interactive {
				fmt.Println()
			}
			exitOnError(err, "Failed while waiting for job", "submit")
			if final.Status == types.JobStatusFailed {
				failed = true
				fmt.Printf("Error: %s\n", final.Error)
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait until every submitted job completes or fails")
	submitCmd.Flags().Float64Var(&submitWaitSec, "wait-sec", 0, "give up waiting after this many seconds per job (0 waits indefinitely)")
	rootCmd.AddCommand(submitCmd)
}
