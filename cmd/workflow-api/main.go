package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/umpire-3/workflow-api/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "workflow-api",
	Short: "Versioned workflow definitions and DAG run orchestration",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
