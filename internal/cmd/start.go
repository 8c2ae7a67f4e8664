package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Trustflow-Network-Labs/compute-client/internal/api"
	"github.com/Trustflow-Network-Labs/compute-client/internal/core"
	"github.com/Trustflow-Network-Labs/compute-client/internal/database"
	"github.com/Trustflow-Network-Labs/compute-client/internal/dependencies"
	"github.com/Trustflow-Network-Labs/compute-client/internal/pubsub"
	"github.com/Trustflow-Network-Labs/compute-client/internal/services"
	"github.com/Trustflow-Network-Labs/compute-client/internal/system"
	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

var (
	exitWhenIdle bool
	timeoutSec   float64
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the compute client daemon",
	Long: `Start the compute client in the current directory.

This will:
- Check that the container runtime named by CONTAINER_METHOD is installed
- Subscribe to pubsub notifications for this compute client
- Poll the job-queue service and launch runnable jobs in containers
- Remove job directories older than 24 hours`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			logger.MirrorTo(os.Stderr)
		}
		logger.Info("Starting compute client...", "cli")

		method := os.Getenv(types.EnvContainerMethod)
		depManager := dependencies.NewDependencyManager(config, logger)
		exitOnError(depManager.CheckDependencies(method), "Container runtime check failed", "cli")

		cwd, err := os.Getwd()
		exitOnError(err, "Failed to get working directory", "cli")
		identity, err := core.LoadClientIdentity(cwd, os.Getenv)
		exitOnError(err, "Failed to load compute client identity", "cli")

		pidManager := utils.NewPIDManager(config, cwd)
		currentPID := os.Getpid()
		if err := pidManager.Acquire(currentPID); err != nil {
			fmt.Println("Use 'compute-client stop' in this directory to stop the existing instance first")
			exitOnError(err, "Failed to write PID file", "cli")
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
			}
		}()
		logger.Info(fmt.Sprintf("Compute client started with PID: %d", currentPID), "cli")

		daemon, closeDB := buildDaemon(identity, method, cwd)
		defer closeDB()

		fmt.Printf("Compute client %s is running. Press Ctrl+C to stop.\n", identity.Name)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := daemon.Run(ctx); err != nil {
			logger.Error(fmt.Sprintf("Compute client stopped with error: %v", err), "cli")
			fmt.Println(err)
			return
		}
		logger.Info("Compute client stopped", "cli")
	},
}

// buildDaemon wires the daemon for identity. The returned func closes the launch ledger.
func buildDaemon(identity *core.ClientIdentity, method, cwd string) (*core.Daemon, func()) {
	client := api.NewClient(config, logger)

	runtime, err := services.NewContainerRuntime(method, logger)
	exitOnError(err, "Failed to select container runtime", "cli")
	launcher := services.NewJobLauncher(client, runtime, identity.ID, client.BaseURL(), config, logger)
	exitOnError(launcher.CheckSupervisor(), "Job supervisor cannot run in containers", "cli")

	var ledger core.LaunchLedger
	var maintainer core.Maintainer
	closeDB := func() {}
	db, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("Launch history disabled: %v", err), "cli")
	} else {
		ledger = db.Launches
		maintainer = db
		closeDB = func() { db.Close() }
	}

	jm := core.NewJobManager(client, launcher, ledger, *identity, logger)
	caps, err := system.GatherSystemCapabilities(cwd, method)
	if err != nil {
		logger.Warn(fmt.Sprintf("Could not gather system capabilities: %v", err), "cli")
	} else {
		logger.Info(fmt.Sprintf("System capabilities: %s", caps.String()), "cli")
		jm.SetCapabilities(caps)
	}

	listener := pubsub.NewListener(client, identity.ID, identity.PrivateKey, config, logger)

	opts := core.DaemonOptions{
		ExitWhenIdle: exitWhenIdle,
		Timeout:      time.Duration(timeoutSec * float64(time.Second)),
		JobsDir:      launcher.JobsDir(),
	}
	if abs, err := filepath.Abs(opts.JobsDir); err == nil {
		opts.JobsDir = abs
	}

	return core.NewDaemon(jm, listener, maintainer, *identity, opts, config, logger), closeDB
}

func init() {
	startCmd.Flags().BoolVar(&exitWhenIdle, "exit-when-idle", false, "exit once no jobs are runnable or running")
	startCmd.Flags().Float64Var(&timeoutSec, "timeout", 0, "stop after this many seconds (0 runs until stopped)")
	rootCmd.AddCommand(startCmd)
}
