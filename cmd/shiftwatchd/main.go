package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/shiftwatch/shiftwatch/internal/daemon"
)

var version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:   "shiftwatchd",
		Short: "Liveness-gated attendance daemon",
		Long: `shiftwatchd tracks employee attendance sessions and keeps them honest:
periodic CAPTCHA challenges, camera-based face re-verification with spoof
detection, and automatic checkout on inactivity or failed challenges.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the attendance daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := daemon.New(configPath, verbose)
			if err != nil {
				return err
			}
			return d.Run(context.Background())
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shiftwatchd %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
		},
	}

	root.AddCommand(run, ver)
	return root
}
