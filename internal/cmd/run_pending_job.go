package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/compute-client/internal/api"
	"github.com/Trustflow-Network-Labs/compute-client/internal/core"
	"github.com/Trustflow-Network-Labs/compute-client/internal/database"
	"github.com/Trustflow-Network-Labs/compute-client/internal/dependencies"
	"github.com/Trustflow-Network-Labs/compute-client/internal/services"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
)

var runPendingJobCmd = &cobra.Command{
	Use:   "run-pending-job JOB_ID",
	Short: "Launch a single runnable job and return",
	Long: `Launch one runnable job assigned to this compute client without starting the
daemon. The job keeps running in its container after this command returns.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]

		method := os.Getenv(types.EnvContainerMethod)
		depManager := dependencies.NewDependencyManager(config, logger)
		exitOnError(depManager.CheckDependencies(method), "Container runtime check failed", "cli")

		cwd, err := os.Getwd()
		exitOnError(err, "Failed to get working directory", "cli")
		identity, err := core.LoadClientIdentity(cwd, os.Getenv)
		exitOnError(err, "Failed to load compute client identity", "cli")

		client := api.NewClient(config, logger)
		runtime, err := services.NewContainerRuntime(method, logger)
		exitOnError(err, "Failed to select container runtime", "cli")
		launcher := services.NewJobLauncher(client, runtime, identity.ID, client.BaseURL(), config, logger)
		exitOnError(launcher.CheckSupervisor(), "Job supervisor cannot run in containers", "cli")

		var ledger core.LaunchLedger
		if db, err := database.NewSQLiteManager(config, logger); err == nil {
			defer db.Close()
			ledger = db.Launches
		}

		jm := core.NewJobManager(client, launcher, ledger, *identity, logger)
		exitOnError(jm.RunPendingJob(context.Background(), jobID), "Failed to run job", "cli")

		fmt.Printf("Job %s started\n", jobID)
	},
}

func init() {
	rootCmd.AddCommand(runPendingJobCmd)
}
