package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/repo"
)

func newInitCmd(a *app) *cobra.Command {
	var format string
	var branch string

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				if root, err = filepath.Abs(args[0]); err != nil {
					return fmt.Errorf("resolve path: %w", err)
				}
			}

			opts := a.repoOptions()
			opts.Format = object.Format(format)
			opts.DefaultBranch = branch
			r, err := repo.Init(cmd.Context(), a.fs, root, opts)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty repository in %s%c\n", r.GitDir, filepath.Separator)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "object-format", "sha1", "object hash: sha1 or sha256")
	cmd.Flags().StringVarP(&branch, "initial-branch", "b", "", "name of the initial branch (default main)")
	return cmd
}
