package main

import (
	"fmt"
	"os"

	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit cached media and remove damaged or invalid entries",
	Run: func(cmd *cobra.Command, args []string) {
		c := newCoordinator()
		defer closeCoordinator(c)

		rep, err := c.Verify(cmd.Context())
		if err != nil {
			errutil.ReportError(err, "Verification failed")
			os.Exit(1)
		}
		fmt.Printf("Checked %d cached items: removed %d corrupted, %d invalid\n",
			rep.TotalChecked, rep.CorruptedRemoved, rep.InvalidRemoved)
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
