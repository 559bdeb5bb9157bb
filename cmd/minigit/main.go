package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/minigit/pkg/errs"
)

const version = "0.1.0-dev"

func main() {
	a := newApp()
	root := newRootCmd(a)
	err := root.Execute()
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "minigit",
		Short:         "A small embeddable Git engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	a.defineFlags(root)

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newAddCmd(a))
	root.AddCommand(newResetCmd(a))
	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newCommitCmd(a))
	root.AddCommand(newLogCmd(a))
	root.AddCommand(newBranchCmd(a))
	root.AddCommand(newCheckoutCmd(a))
	root.AddCommand(newCloneCmd(a))
	root.AddCommand(newFetchCmd(a))
	root.AddCommand(newPushCmd(a))
	root.AddCommand(newRemoteCmd(a))
	root.AddCommand(newConfigCmd(a))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "minigit %s\n", version)
		},
	}
}

// exitCode maps the error taxonomy to distinct process exit codes.
func exitCode(err error) int {
	switch errs.Kind(err) {
	case "NotFound":
		return 2
	case "AlreadyExists", "AlreadyInitialized":
		return 3
	case "Conflict":
		return 4
	case "AuthError":
		return 5
	case "NetworkError":
		return 6
	case "CorruptPack":
		return 7
	case "EmptyCommit":
		return 8
	default:
		return 1
	}
}
