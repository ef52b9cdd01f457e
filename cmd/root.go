package cmd

import (
	"fmt"
	"log"
	"os"

	"Bandmate/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bandmate",
	Short: "Bandmate is a shared music library for bands.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting Bandmate server...")
		// server.Start now handles its own port and logging for startup.
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
