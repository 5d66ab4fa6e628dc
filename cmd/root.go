package cmd

import (
	"fmt"
	"os"

	"github.com/example/slotwatch/internal/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:           "slotwatch",
		Short:         "Watches an exam-registration API for new windows and books them for registered accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Configure(log.Config{Level: level})
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "", "log level (overrides LOG_LEVEL)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newAccountCmd())
	root.AddCommand(newCaptureCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
