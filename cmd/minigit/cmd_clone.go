package main

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/minigit/pkg/refs"
	"github.com/odvcencio/minigit/pkg/repo"
)

type cloneOutput struct {
	URL     string `yaml:"url"`
	Path    string `yaml:"path"`
	Branch  string `yaml:"branch,omitempty"`
	Commit  string `yaml:"commit,omitempty"`
	Shallow bool   `yaml:"shallow"`
}

func newCloneCmd(a *app) *cobra.Command {
	var depth int
	var branch string
	var singleBranch bool
	var remoteName string

	cmd := &cobra.Command{
		Use:   "clone <url> [directory]",
		Short: "Clone a repository over smart HTTP",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			dest := ""
			if len(args) == 2 {
				dest = args[1]
			} else {
				dest = defaultCloneDir(source)
			}
			if strings.TrimSpace(dest) == "" {
				return fmt.Errorf("destination directory is required")
			}
			absDest, err := filepath.Abs(dest)
			if err != nil {
				return fmt.Errorf("resolve destination: %w", err)
			}

			r, err := repo.Clone(cmd.Context(), a.fs, repo.CloneOptions{
				URL:           source,
				Path:          absDest,
				Depth:         depth,
				Ref:           branch,
				SingleBranch:  singleBranch,
				RemoteName:    remoteName,
				RemoteOptions: a.remoteOptions(),
				Repo:          a.repoOptions(),
			})
			if err != nil {
				return err
			}

			res := cloneOutput{URL: source, Path: absDest}
			if res.Branch, err = r.CurrentBranch(); err != nil {
				return err
			}
			if h, err := r.Refs.Resolve(refs.HEAD); err == nil {
				res.Commit = string(h)
			}
			shallow, err := r.Shallow()
			if err != nil {
				return err
			}
			res.Shallow = len(shallow) > 0

			return a.render(cmd, res, func(out io.Writer) error {
				if res.Commit == "" {
					fmt.Fprintf(out, "cloned empty repository into %s\n", absDest)
					return nil
				}
				fmt.Fprintf(out, "cloned %s into %s (%s at %s)\n", source, absDest, res.Branch, res.Commit[:7])
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "limit history to this many commits")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch to check out (default: the remote HEAD)")
	cmd.Flags().BoolVar(&singleBranch, "single-branch", false, "fetch only the checked-out branch")
	cmd.Flags().StringVar(&remoteName, "origin", "origin", "name to assign to the cloned remote")
	return cmd
}

// defaultCloneDir derives "repo" from ".../repo.git".
func defaultCloneDir(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	base := path.Base(strings.TrimRight(u.Path, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, ".git")
}
