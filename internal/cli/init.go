package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glorpus-work/pahkat/pkg/config"
	"github.com/glorpus-work/pahkat/pkg/store/prefix"
)

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a package prefix",
		Long: `Initialize the directory given with -c as a package prefix:
create its package store database and an empty configuration.
Re-running init on an existing prefix is harmless.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pfx, err := prefix.Init(cmd.Context(), prefixPath())
			if err != nil {
				return err
			}
			defer func() { _ = pfx.Close() }()

			cfg, err := config.Load(pfx.Root())
			if err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Printf("initialized prefix at %s\n", pfx.Root())
			return nil
		},
	}
}
