package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/minigit/pkg/object"
)

// render writes v as YAML under --output yaml and calls text otherwise.
func (a *app) render(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	out := cmd.OutOrStdout()
	if a.v.GetString(keyOutput) != "yaml" {
		return text(out)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func shortHash(h object.Hash) string {
	if h == "" {
		return "(none)"
	}
	return h.Short()
}
