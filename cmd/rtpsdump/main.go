package main

import (
	"fmt"
	"os"

	"github.com/op/go-logging"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "rtpsdump",
	Short: "Decode and print RTPS messages",
	Long: `Decode RTPS messages and print each submessage along with the
receiver state it was interpreted under.

Examples:
  rtpsdump decode capture.hex
  rtpsdump listen --addr 0.0.0.0:7400 --group 239.255.0.1:7400`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.ERROR
		if verbose {
			level = logging.DEBUG
		}
		logging.SetLevel(level, "rtps")
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log decoder diagnostics")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
