package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// Commands carrying this annotation run inside job containers
const annotationInJob = "in-job"

var (
	configPath string
	logLevel   string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "compute-client",
	Short: "Dendro compute client",
	Long: `A compute client discovers jobs assigned to it by the job-queue service,
runs each one in a docker, apptainer or singularity container and reports
status, console output and resource usage back to the service.

Configuration is read from a .env file in the working directory, the
environment and the compute-client.yaml registration file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Annotations[annotationInJob] == "true" {
			// The container home directory may be missing or read-only
			config = utils.NewConfigManagerFromValues(utils.Config{})
			level := config.GetConfigWithDefault("log_level", "info")
			if logLevel != "" {
				level = logLevel
			}
			logger = utils.NewLogsManagerWithOutput(level, os.Stdout)
			return
		}

		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
		}

		config = utils.NewConfigManager(configPath)
		logger = utils.NewLogsManager(config)
		if logLevel != "" {
			if err := logger.SetLogLevel(logLevel); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
}

// exitOnError logs err under category, prints it and exits
func exitOnError(err error, msg, category string) {
	if err == nil {
		return
	}
	text := fmt.Sprintf("%s: %v", msg, err)
	if logger != nil {
		logger.Error(text, category)
		logger.Close()
	}
	fmt.Fprintln(os.Stderr, text)
	os.Exit(1)
}
