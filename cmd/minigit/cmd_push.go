package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/odvcencio/minigit/pkg/remote"
	"github.com/odvcencio/minigit/pkg/repo"
)

type refResultOutput struct {
	Ref    string `yaml:"ref"`
	OK     bool   `yaml:"ok"`
	Reason string `yaml:"reason,omitempty"`
}

func newPushCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "push [remote] [branch]",
		Short: "Push a local branch to the branch of the same name on a remote",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			opts := repo.PushOptions{Force: force, RemoteOptions: a.remoteOptions()}
			if len(args) > 0 {
				opts.Remote = args[0]
			}
			if len(args) > 1 {
				opts.Ref = args[1]
			}

			report, err := r.Push(cmd.Context(), opts)
			if report != nil {
				res := make([]refResultOutput, 0, len(report.Refs))
				for _, s := range report.Refs {
					res = append(res, refResultOutput{Ref: s.Ref, OK: s.OK, Reason: s.Reason})
				}
				if rerr := a.render(cmd, res, func(out io.Writer) error {
					for _, s := range res {
						switch {
						case !s.OK:
							fmt.Fprintf(out, " ! %s (%s)\n", s.Ref, s.Reason)
						case s.Reason != "":
							fmt.Fprintf(out, " = %s (%s)\n", s.Ref, s.Reason)
						default:
							fmt.Fprintf(out, "   %s\n", s.Ref)
						}
					}
					return nil
				}); rerr != nil {
					return rerr
				}
			}
			var ahead *remote.RemoteAheadError
			if errors.As(err, &ahead) {
				return fmt.Errorf("%w\nhint: the remote has commits you do not have; fetch first", err)
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite the remote branch even if it is not an ancestor")
	return cmd
}

func newFetchCmd(a *app) *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "fetch [remote]",
		Short: "Download branches and update remote-tracking refs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			opts := repo.FetchOptions{Depth: depth, RemoteOptions: a.remoteOptions()}
			if len(args) == 1 {
				opts.Remote = args[0]
			}
			report, err := r.Fetch(cmd.Context(), opts)
			if err != nil {
				return err
			}

			type update struct {
				Ref string `yaml:"ref"`
				Old string `yaml:"old,omitempty"`
				New string `yaml:"new"`
			}
			res := make([]update, 0, len(report.Updated))
			for _, u := range report.Updated {
				res = append(res, update{Ref: u.Ref, Old: string(u.Old), New: string(u.New)})
			}
			return a.render(cmd, res, func(out io.Writer) error {
				if len(res) == 0 {
					fmt.Fprintln(out, "already up to date")
					return nil
				}
				for _, u := range report.Updated {
					fmt.Fprintf(out, "  %s..%s  %s\n", shortHash(u.Old), shortHash(u.New), u.Ref)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "limit history to this many commits per branch")
	return cmd
}
