package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/repo"
)

type statusOutput struct {
	Branch    string   `yaml:"branch"`
	Commit    string   `yaml:"commit,omitempty"`
	Staged    []string `yaml:"staged,omitempty"`
	Unstaged  []string `yaml:"unstaged,omitempty"`
	Untracked []string `yaml:"untracked,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show working tree status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			entries, err := r.Status()
			if err != nil {
				return err
			}

			var res statusOutput
			if res.Branch, err = r.CurrentBranch(); err != nil {
				return err
			}
			head, err := r.Refs.Resolve(refs.HEAD)
			switch {
			case err == nil:
				res.Commit = string(head)
			case !errors.Is(err, errs.ErrNotFound):
				return err
			}

			for _, e := range entries {
				switch e.IndexStatus {
				case repo.StatusNew:
					res.Staged = append(res.Staged, "+ "+e.Path)
				case repo.StatusModified:
					res.Staged = append(res.Staged, "~ "+e.Path)
				}
				switch e.WorkStatus {
				case repo.StatusModified, repo.StatusDirty:
					res.Unstaged = append(res.Unstaged, "~ "+e.Path)
				case repo.StatusDeleted:
					res.Unstaged = append(res.Unstaged, "- "+e.Path)
				case repo.StatusUntracked:
					res.Untracked = append(res.Untracked, e.Path)
				}
			}

			return a.render(cmd, res, func(out io.Writer) error {
				branch := res.Branch
				if branch == "" {
					branch = "detached HEAD"
				}
				if res.Commit == "" {
					fmt.Fprintf(out, "on %s (no commits yet)\n", branch)
				} else {
					fmt.Fprintf(out, "on %s\n", branch)
				}
				printSection(out, "staged", res.Staged)
				printSection(out, "unstaged", res.Unstaged)
				printSection(out, "untracked", res.Untracked)
				return nil
			})
		},
	}
}

func printSection(out io.Writer, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s:\n", title)
	for _, l := range lines {
		fmt.Fprintf(out, "  %s\n", l)
	}
}
