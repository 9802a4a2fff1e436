package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage against its storage quota",
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			errutil.ReportError(err, "Failed to get json flag")
			os.Exit(1)
		}

		c := newCoordinator()
		defer closeCoordinator(c)

		st, err := c.Stats(cmd.Context())
		if err != nil {
			errutil.ReportError(err, "Failed to read cache stats")
			os.Exit(1)
		}

		if asJSON {
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				errutil.ReportError(err, "Failed to encode stats")
				os.Exit(1)
			}
			fmt.Println(string(out))
			return
		}

		fmt.Printf("Items:      %d\n", st.Items)
		fmt.Printf("Used:       %s (%.1f%%)\n", humanize.Bytes(uint64(st.UsedBytes)), st.PercentUsed)
		fmt.Printf("Quota:      %s\n", humanize.Bytes(uint64(st.QuotaBytes)))
		fmt.Printf("Available:  %s\n", humanize.Bytes(uint64(st.AvailableBytes)))
		fmt.Printf("Persistent: %v\n", st.Persistent)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Bool("json", false, "Print stats as JSON")
}
