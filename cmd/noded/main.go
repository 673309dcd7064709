// Command noded runs a single cluster-membership node: it formats a new
// cluster when the local epoch log is empty, serves prometheus metrics, and
// exposes a CLI for inspecting epoch-log state. It has no command that
// joins an existing cluster.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clusterd/noded/internal/config"
	"github.com/clusterd/noded/internal/logging"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "noded",
		Short: "cluster membership and epoch-coordination node",
	}
	config.RegisterFlags(root.PersistentFlags())
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(root.PersistentFlags())
		if err != nil {
			return err
		}
		logging.SetLevel(cfg.LogLevel)
		return nil
	}

	root.AddCommand(newServeCmd(), newStatusCmd(), newCreateClusterCmd())
	return root
}
