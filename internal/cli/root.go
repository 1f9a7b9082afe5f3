package cli

import (
	"github.com/spf13/cobra"

	"github.com/mkoval/huddle/internal/config"
)

type Dependencies struct {
	Config *config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "huddle",
		Short: "Join and record real-time meeting sessions",
	}

	rootCmd.AddCommand(NewJoinCmd(deps))
	rootCmd.AddCommand(NewSweepCmd(deps))

	return rootCmd
}
