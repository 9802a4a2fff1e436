package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var persistCmd = &cobra.Command{
	Use:   "persist",
	Short: "Ask the platform to keep cached media across reboots",
	Run: func(cmd *cobra.Command, args []string) {
		c := newCoordinator()
		defer closeCoordinator(c)

		if c.RequestPersistence(cmd.Context()) {
			fmt.Println("Cache storage is persistent")
			return
		}
		fmt.Println("Persistence not granted; cached media may not survive a reboot")
	},
}

func init() {
	rootCmd.AddCommand(persistCmd)
}
