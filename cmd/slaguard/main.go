package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zyn1030z/SLA-service-sub000/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "slaguard",
	Short: "SLA deadline tracking and violation escalation",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
