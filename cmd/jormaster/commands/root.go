package commands

import (
	"github.com/neopool/jormaster/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for jormaster
var RootCmd = &cobra.Command{
	Use:              "jormaster",
	Short:            "jormaster - high availability master for Jormungandr runner fleets",
	TraverseChildren: true,
}
