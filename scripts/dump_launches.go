package main

import (
	"fmt"
	"os"

	"github.com/Trustflow-Network-Labs/compute-client/internal/database"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

func RunDumpLaunches(args []string) {
	config := utils.NewConfigManagerFromValues(utils.Config{})
	logger := utils.NewLogsManagerWithOutput("error", os.Stderr)

	db, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var launches []*database.JobLaunch
	if len(args) > 0 {
		launches, err = db.Launches.GetJobLaunches(args[0])
	} else {
		launches, err = db.Launches.GetRecentJobLaunches(100)
	}
	if err != nil {
		fmt.Printf("Failed to read launches: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== Job Launches (%d) ===\n", len(launches))
	for _, l := range launches {
		fmt.Printf("%s  %-6s  job=%s service=%s status=%s\n",
			l.CreatedAt.Format("2006-01-02 15:04:05"), l.Action, l.JobID, l.ServiceName, l.Status)
		if l.Error != "" {
			fmt.Printf("    error: %s\n", l.Error)
		}
	}
}
