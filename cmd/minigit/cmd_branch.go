package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type branchOutput struct {
	Name    string `yaml:"name"`
	Commit  string `yaml:"commit"`
	Current bool   `yaml:"current,omitempty"`
}

func newBranchCmd(a *app) *cobra.Command {
	var deleteBranch string
	var checkout bool

	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List, create, or delete branches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}

			if deleteBranch != "" {
				if err := r.DeleteBranch(cmd.Context(), deleteBranch); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted branch '%s'\n", deleteBranch)
				return nil
			}

			if len(args) == 1 {
				return r.Branch(cmd.Context(), args[0], checkout)
			}

			branches, err := r.ListBranches()
			if err != nil {
				return err
			}
			res := make([]branchOutput, 0, len(branches))
			for _, b := range branches {
				res = append(res, branchOutput{Name: b.Name, Commit: string(b.Target), Current: b.Current})
			}
			return a.render(cmd, res, func(out io.Writer) error {
				for _, b := range res {
					marker := " "
					if b.Current {
						marker = "*"
					}
					fmt.Fprintf(out, "%s %s\n", marker, b.Name)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&deleteBranch, "delete", "d", "", "delete a branch")
	cmd.Flags().BoolVarP(&checkout, "checkout", "c", false, "point HEAD at the new branch")
	return cmd
}

func newCheckoutCmd(a *app) *cobra.Command {
	var create bool

	cmd := &cobra.Command{
		Use:   "checkout <branch>",
		Short: "Switch the working tree to a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			if create {
				if err := r.Branch(cmd.Context(), args[0], true); err != nil {
					return err
				}
			} else if err := r.Checkout(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "switched to branch '%s'\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&create, "branch", "b", false, "create the branch at HEAD first")
	return cmd
}
