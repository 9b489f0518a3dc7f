package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hanpama/gqlstream/internal/resolver"
	"github.com/hanpama/gqlstream/internal/schema"
)

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the served schema as SDL",
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := resolver.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), schema.Render(sch))
			return err
		},
	}
}
