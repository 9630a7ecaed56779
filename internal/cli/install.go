package cli

import (
	"github.com/spf13/cobra"

	"github.com/glorpus-work/pahkat/pkg/resolve"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/transaction"
)

// NewInstallCmd creates the install command.
func NewInstallCmd() *cobra.Command {
	var reinstall bool

	cmd := &cobra.Command{
		Use:   "install KEY...",
		Short: "Install packages",
		Long: `Install one or more packages into the prefix. Dependencies are
resolved and installed first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActions(cmd, args, resolve.ActionInstall, reinstall)
		},
	}
	cmd.Flags().BoolVar(&reinstall, "reinstall", false, "Install even when already up to date")
	return cmd
}

// NewUninstallCmd creates the uninstall command.
func NewUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall KEY...",
		Short: "Uninstall packages",
		Long: `Uninstall one or more packages from the prefix. Installed packages
depending on them are uninstalled first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActions(cmd, args, resolve.ActionUninstall, false)
		},
	}
}

func runActions(cmd *cobra.Command, args []string, kind resolve.ActionKind, reinstall bool) error {
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
	actions := make([]resolve.Action, len(keys))
	for i, key := range keys {
		actions[i] = resolve.Action{
			Kind:      kind,
			Key:       key,
			Target:    store.TargetSystem,
			Reinstall: reinstall,
		}
	}

	plan, err := p.Resolve(ctx, actions)
	if err != nil {
		return err
	}
	if len(plan.Steps) == 0 {
		cmd.Println("nothing to do")
		return nil
	}

	_, events, err := p.ProcessTransaction(ctx, plan)
	if err != nil {
		return err
	}
	var failure error
	for event := range events {
		printEvent(event)
		if event.Kind == transaction.EventFailed && failure == nil {
			failure = event.Err
		}
	}
	return failure
}
