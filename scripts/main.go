package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "query-job":
		RunQueryJob(args)
	case "dump-launches":
		RunDumpLaunches(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./scripts <command> [args...]")
	fmt.Println("")
	fmt.Println("Available commands:")
	fmt.Println("  query-job <job_id>")
	fmt.Println("    Fetch a job from the job-queue service and print it as JSON")
	fmt.Println("    Example: go run ./scripts query-job 3f1c2a9e")
	fmt.Println("")
	fmt.Println("  dump-launches [job_id]")
	fmt.Println("    Print the launch ledger of the local compute client database")
	fmt.Println("    Example: go run ./scripts dump-launches 3f1c2a9e")
}
