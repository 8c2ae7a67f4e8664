package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/api"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

func RunQueryJob(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: go run ./scripts query-job <job_id>")
		fmt.Println("")
		fmt.Println("The job-queue URL is taken from COMPUTE_CLIENT_API_URL or the api_url config.")
		os.Exit(1)
	}

	config := utils.NewConfigManagerFromValues(utils.Config{})
	logger := utils.NewLogsManagerWithOutput("error", os.Stderr)
	client := api.NewClient(config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := client.GetJob(ctx, args[0])
	if err != nil {
		fmt.Printf("Failed to fetch job %s: %v\n", args[0], err)
		os.Exit(1)
	}
	if job == nil {
		fmt.Printf("Job %s not found at %s\n", args[0], client.BaseURL())
		os.Exit(1)
	}

	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		fmt.Printf("Failed to encode job: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
