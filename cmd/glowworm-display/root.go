package main

import (
	"fmt"
	"os"
	"strconv"

	display "github.com/nstephens/glowworm-display"
	"github.com/nstephens/glowworm-display/internal/app"
	"github.com/nstephens/glowworm-display/internal/config"
	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "glowworm-display",
	Short: "Local media cache for glowworm signage kiosks",
	Long: `glowworm-display keeps a kiosk's playlist media cached on local storage
so playback keeps running when the network does not. It downloads media
listed in the content server's manifests, validates and checksums every
payload, and evicts least recently used items when storage runs low.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default $XDG_CONFIG_HOME/glowworm-display/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level override: DEBUG, INFO, WARN or ERROR")
}

func initConfig() {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		errutil.ReportError(err, "Failed to load configuration")
		os.Exit(1)
	}
	cfg = loaded
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	app.SetupLogging(cfg.Logging)
}

// newCoordinator opens the media cache or exits.
func newCoordinator() *display.Coordinator {
	c, err := app.NewCoordinator(cfg)
	if err != nil {
		errutil.ReportError(err, "Failed to open media cache")
		os.Exit(1)
	}
	return c
}

func closeCoordinator(c *display.Coordinator) {
	errutil.LogMsg(c.Close(), "Failed to close media cache")
}

func parseGroupID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		errutil.ReportError(err, "Group id must be a number", "arg", arg)
		os.Exit(1)
	}
	return id
}
