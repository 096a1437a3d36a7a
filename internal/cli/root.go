package cli

import (
	"github.com/spf13/cobra"
)

// BuildInfo is set by the main package from ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// NewRootCmd assembles the toolgate command tree.
func NewRootCmd(info BuildInfo) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Rate-limited, cached edge API for the developer toolbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config.yaml (defaults only when empty)")

	root.AddCommand(
		newServeCmd(&cfgFile, info),
		newVersionCmd(info),
		newConfigCmd(&cfgFile),
	)
	return root
}
