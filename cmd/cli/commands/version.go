package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/inferloop/dptrain/pkg/constants"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s/%s)\n",
				constants.AppName, constants.AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
