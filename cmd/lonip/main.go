package main

import (
	"log"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lonip",
		Short: "LonTalk/IP channel master",
	}
	rootCmd.PersistentFlags().String("dir", "", "Directory where lonip state is persisted (default ~/.lonip)")

	rootCmd.AddCommand(newRunCmd(), newInspectCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
