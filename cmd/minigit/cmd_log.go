package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type logOutput struct {
	Commit  string    `yaml:"commit"`
	Parents []string  `yaml:"parents,omitempty"`
	Author  string    `yaml:"author"`
	Date    time.Time `yaml:"date"`
	Message string    `yaml:"message"`
	Signed  bool      `yaml:"signed,omitempty"`
	Shallow bool      `yaml:"shallow,omitempty"`
}

func newLogCmd(a *app) *cobra.Command {
	var oneline bool
	var limit int

	cmd := &cobra.Command{
		Use:   "log [revision]",
		Short: "Show first-parent commit history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			start := ""
			if len(args) == 1 {
				start = args[0]
			}
			entries, err := r.Log(cmd.Context(), start, limit)
			if err != nil {
				return err
			}

			res := make([]logOutput, 0, len(entries))
			for _, e := range entries {
				item := logOutput{
					Commit:  string(e.Hash),
					Author:  fmt.Sprintf("%s <%s>", e.Commit.Author.Name, e.Commit.Author.Email),
					Date:    e.Commit.Author.When,
					Message: strings.TrimRight(e.Commit.Message, "\n"),
					Signed:  e.Commit.Signature != "",
				}
				for _, p := range e.Commit.Parents {
					item.Parents = append(item.Parents, string(p))
					if !r.Store.Has(p) {
						item.Shallow = true
					}
				}
				res = append(res, item)
			}

			return a.render(cmd, res, func(out io.Writer) error {
				for _, e := range res {
					if oneline {
						fmt.Fprintf(out, "%s %s\n", e.Commit[:7], firstLine(e.Message))
						continue
					}
					fmt.Fprintf(out, "commit %s\n", e.Commit)
					fmt.Fprintf(out, "Author: %s\n", e.Author)
					fmt.Fprintf(out, "Date:   %s\n", e.Date.Format("2006-01-02 15:04:05 -0700"))
					fmt.Fprintln(out)
					for _, line := range strings.Split(e.Message, "\n") {
						fmt.Fprintf(out, "    %s\n", line)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&oneline, "oneline", false, "one commit per line")
	cmd.Flags().IntVarP(&limit, "max-count", "n", 0, "limit the number of commits")
	return cmd
}
