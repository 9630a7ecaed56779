package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/pahkat/pkg/store"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status KEY...",
		Short: "Show package status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, closer, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer closer()

			keys, err := parseKeys(ctx, p, args)
			if err != nil {
				return err
			}
			for _, key := range keys {
				status, err := p.Status(ctx, key, store.TargetSystem)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", key.ID, status)
			}
			return nil
		},
	}
}
