package main

import "github.com/Trustflow-Network-Labs/compute-client/internal/cmd"

func main() {
	cmd.Execute()
}
