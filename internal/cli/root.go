// Package cli wires the podmesh command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all subcommands.
type RootOptions struct {
	Profile string // YAML timing profile path
}

// NewRootCommand creates the podmesh root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "podmesh",
		Short: "Pod mesh coordination node",
		Long: "podmesh runs one pod of the mesh coordination core: discovery and\n" +
			"join, master election, clock synchronization and failure recovery,\n" +
			"over a broadcast datagram link.",
	}

	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "YAML timing profile (defaults built in)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSimCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
