package cmd

import (
	"Bandmate/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动Bandmate服务器",
	Long:  `启动Bandmate乐队曲库的HTTP服务器，提供API服务和导入流水线`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
