package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConfigCmd creates the config command with its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage prefix configuration",
	}
	cmd.AddCommand(newConfigRepoCmd(), newConfigSettingCmd())
	return cmd
}

func newConfigRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage repositories",
	}
	cmd.AddCommand(newRepoAddCmd(), newRepoRemoveCmd(), newRepoListCmd())
	return cmd
}

func newRepoAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add URL [CHANNEL]",
		Short: "Add a repository",
		Long:  "Add a repository by URL, optionally selecting a release channel.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closer, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			channel := ""
			if len(args) == 2 {
				channel = args[1]
			}
			return p.RepoAdd(args[0], channel)
		},
	}
}

func newRepoRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove URL",
		Short: "Remove a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closer, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()
			return p.RepoRemove(args[0])
		},
	}
}

func newRepoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, closer, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			for _, repo := range p.Config().Repositories {
				if repo.Channel != "" {
					fmt.Printf("%s (channel: %s)\n", repo.URL, repo.Channel)
				} else {
					fmt.Println(repo.URL)
				}
			}
			return nil
		},
	}
}

func newConfigSettingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closer, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()
			return p.SettingsSet(args[0], args[1])
		},
	}
	return cmd
}
