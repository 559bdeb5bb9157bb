package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/repo"
)

type commitOutput struct {
	Branch  string `yaml:"branch"`
	Commit  string `yaml:"commit"`
	Message string `yaml:"message"`
	Signed  bool   `yaml:"signed"`
}

func newCommitCmd(a *app) *cobra.Command {
	var message string
	var author string
	var allowEmpty bool
	var sign bool
	var signingKey string

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record the staged changes on the current branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("commit message is required (-m)")
			}
			r, err := a.openRepo()
			if err != nil {
				return err
			}

			opts := repo.CommitOptions{Message: message, AllowEmpty: allowEmpty}
			if author != "" {
				if opts.Author, err = parseAuthor(author); err != nil {
					return err
				}
			} else {
				opts.Author = object.Ident{
					Name:  a.v.GetString(keyAuthorName),
					Email: a.v.GetString(keyAuthorEmail),
				}
			}

			if signingKey == "" {
				signingKey = a.v.GetString(keySigningKey)
			}
			if signingKey == "" {
				if signingKey, err = r.GetConfig("user.signingkey"); err != nil {
					return err
				}
			}
			if sign || signingKey != "" {
				signer, keyPath, err := newSSHCommitSigner(signingKey)
				if err != nil {
					return err
				}
				opts.Signer = signer
				a.log.WithField("key", keyPath).Debug("signing commit")
			}

			h, err := r.Commit(cmd.Context(), opts)
			if err != nil {
				return err
			}
			branch, err := r.CurrentBranch()
			if err != nil {
				return err
			}
			if branch == "" {
				branch = "HEAD"
			}

			res := commitOutput{Branch: branch, Commit: string(h), Message: message, Signed: opts.Signer != nil}
			return a.render(cmd, res, func(out io.Writer) error {
				fmt.Fprintf(out, "[%s %s] %s\n", branch, h.Short(), firstLine(message))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", "", `override author as "Name <email>"`)
	cmd.Flags().BoolVar(&allowEmpty, "allow-empty", false, "record a commit even if nothing is staged")
	cmd.Flags().BoolVarP(&sign, "sign", "S", false, "sign the commit with an SSH key")
	cmd.Flags().StringVar(&signingKey, "signing-key", "", "SSH private key used with --sign (default ~/.ssh/id_ed25519)")
	return cmd
}

// parseAuthor parses "Name <email>".
func parseAuthor(s string) (object.Ident, error) {
	name, rest, ok := strings.Cut(s, "<")
	email, _, closed := strings.Cut(rest, ">")
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if !ok || !closed || name == "" || email == "" {
		return object.Ident{}, fmt.Errorf("invalid author %q: want \"Name <email>\"", s)
	}
	return object.Ident{Name: name, Email: email}, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
