package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running compute client",
	Long: `Stop the compute client daemon by sending SIGTERM, then SIGKILL after a
10 second grace period. Jobs already launched keep running in their containers.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pidManager := cwdPIDManager()

		pid, err := pidManager.ReadPID()
		exitOnError(err, "Failed to read PID", "stop")

		fmt.Printf("Found running compute client with PID: %d\n", pid)

		if !utils.IsProcessAlive(pid) {
			msg := fmt.Sprintf("Process with PID %d is not running", pid)
			fmt.Println(msg)
			logger.Warn(msg, "stop")

			if err := pidManager.RemovePIDFile(); err != nil {
				fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
			} else {
				fmt.Println("Removed stale PID file")
			}
			return
		}

		fmt.Printf("Stopping compute client (PID: %d)...\n", pid)
		exitOnError(pidManager.StopProcess(pid), "Failed to stop process", "stop")

		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
		}

		msg := "Compute client stopped successfully"
		fmt.Println(msg)
		logger.Info(msg, "stop")
	},
}

// cwdPIDManager manages the PID file of the compute client registered in the working directory
func cwdPIDManager() *utils.PIDManager {
	cwd, err := os.Getwd()
	exitOnError(err, "Failed to get working directory", "cli")
	return utils.NewPIDManager(config, cwd)
}

// stopRunning stops the daemon recorded in the PID file, if any. It reports whether one was running.
func stopRunning(pidManager *utils.PIDManager) (bool, error) {
	pid, err := pidManager.ReadPID()
	if err != nil {
		return false, nil
	}
	if !utils.IsProcessAlive(pid) {
		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to remove stale PID file: %v\n", err)
		}
		return false, nil
	}
	if err := pidManager.StopProcess(pid); err != nil {
		return true, err
	}
	return true, pidManager.RemovePIDFile()
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
