package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/compute-client/internal/api"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/workers"
)

var parentPID int

// internalRunJobCmd is started by the container run script. It exits non-zero only when the job
// could not be marked running; a job that ran and failed has already been reported.
var internalRunJobCmd = &cobra.Command{
	Use:         "internal-run-job",
	Short:       "Supervise the job described by the environment",
	Hidden:      true,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationInJob: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		env, err := workers.JobEnvFromEnviron(os.Getenv)
		exitOnError(err, "Invalid job environment", "supervisor")

		self := os.Getenv(types.EnvComputeClientBin)
		if self == "" {
			self, err = os.Executable()
			exitOnError(err, "Failed to locate own executable", "supervisor")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		supervisor := workers.NewJobSupervisor(api.NewClient(config, logger), env, self, config)
		outcome, err := supervisor.Run(ctx)
		exitOnError(err, "Failed to start job", "supervisor")

		if outcome.Succeeded {
			fmt.Println("Job completed")
		} else {
			fmt.Printf("Job failed: %s\n", outcome.Error)
		}
	},
}

var internalJobMonitorCmd = &cobra.Command{
	Use:         "internal-job-monitor KIND",
	Short:       "Run one of the helpers that accompany a supervised job",
	Hidden:      true,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationInJob: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		env := workers.MonitorEnvFromEnviron(os.Getenv)
		monitor, err := workers.NewMonitor(args[0], parentPID, env, api.NewClient(config, logger), config, logger)
		exitOnError(err, "Invalid monitor", "monitor")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		exitOnError(monitor.Run(ctx), "Monitor stopped", "monitor")
	},
}

func init() {
	internalJobMonitorCmd.Flags().IntVar(&parentPID, "parent-pid", 0, "process id of the supervisor")
	internalJobMonitorCmd.MarkFlagRequired("parent-pid")
	rootCmd.AddCommand(internalRunJobCmd)
	rootCmd.AddCommand(internalJobMonitorCmd)
}
