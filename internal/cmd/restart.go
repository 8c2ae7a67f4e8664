package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the compute client in the background",
	Long: `Stop the running compute client, if any, and start a new detached one in the
current directory with the given start flags. Running jobs are not affected.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pidManager := cwdPIDManager()

		wasRunning, err := stopRunning(pidManager)
		exitOnError(err, "Failed to stop process", "restart")
		if wasRunning {
			fmt.Println("Compute client stopped")
			logger.Info("Compute client stopped", "restart")
			// Wait a moment for cleanup
			time.Sleep(2 * time.Second)
		} else {
			fmt.Println("No running compute client found, starting fresh...")
		}

		exePath, err := os.Executable()
		exitOnError(err, "Failed to get executable path", "restart")

		startArgs := []string{"start"}
		if configPath != "" {
			startArgs = append(startArgs, "--config", configPath)
		}
		if logLevel != "" {
			startArgs = append(startArgs, "--log-level", logLevel)
		}
		if exitWhenIdle {
			startArgs = append(startArgs, "--exit-when-idle")
		}
		if timeoutSec > 0 {
			startArgs = append(startArgs, "--timeout", strconv.FormatFloat(timeoutSec, 'f', -1, 64))
		}

		start := exec.Command(exePath, startArgs...)
		start.Env = os.Environ()
		pid, err := utils.StartDetached(start)
		exitOnError(err, "Failed to start compute client", "restart")

		msg := fmt.Sprintf("Compute client restarted with PID %d", pid)
		fmt.Println(msg)
		logger.Info(msg, "restart")
	},
}

func init() {
	restartCmd.Flags().BoolVar(&exitWhenIdle, "exit-when-idle", false, "exit once no jobs are runnable or running")
	restartCmd.Flags().Float64Var(&timeoutSec, "timeout", 0, "stop after this many seconds (0 runs until stopped)")
	rootCmd.AddCommand(restartCmd)
}
