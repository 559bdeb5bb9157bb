package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type remoteOutput struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	CORSProxy string `yaml:"cors_proxy,omitempty"`
}

func newRemoteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage repository remotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			cfg, err := r.ReadConfig()
			if err != nil {
				return err
			}
			names, err := r.Remotes()
			if err != nil {
				return err
			}
			res := make([]remoteOutput, 0, len(names))
			for _, name := range names {
				rc := cfg.Remotes[name]
				res = append(res, remoteOutput{Name: name, URL: rc.URL, CORSProxy: rc.CORSProxy})
			}
			return a.render(cmd, res, func(out io.Writer) error {
				for _, rc := range res {
					fmt.Fprintf(out, "%s\t%s\n", rc.Name, rc.URL)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <url>",
		Short: "Add a named remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			if err := r.AddRemote(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added remote %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config <key> [value]",
		Short: "Get or set repository configuration",
		Long: "Keys: user.name, user.email, user.signingkey, core.defaultbranch,\n" +
			"core.objectformat (read-only), remote.<name>.url, remote.<name>.corsproxy",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			if len(args) == 2 {
				return r.SetConfig(cmd.Context(), args[0], args[1])
			}
			value, err := r.GetConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}
