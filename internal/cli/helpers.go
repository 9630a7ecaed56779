// Package cli implements the pahkat command tree over the client
// facade. Commands operate on a prefix: a self-contained root owning
// its config, package store and cache.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/glorpus-work/pahkat/pkg/client"
	"github.com/glorpus-work/pahkat/pkg/config"
	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/store/prefix"
	"github.com/glorpus-work/pahkat/pkg/transaction"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// Set by the root command's persistent flags.
var (
	PrefixPath *string
	Verbose    *bool
)

// Exit codes of the pahkat binary.
const (
	ExitOK            = 0
	ExitUsage         = 1
	ExitResolve       = 2
	ExitDownload      = 3
	ExitInstall       = 4
	ExitContradiction = 5
)

// ExitCode maps an error to the binary's exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errors.ErrContradiction):
		return ExitContradiction
	case errors.Is(err, errors.ErrInstallerFailure),
		errors.Is(err, errors.ErrWrongPayload),
		errors.Is(err, errors.ErrLockHeld),
		errors.Is(err, errors.ErrPrefixSchema):
		return ExitInstall
	case errors.Is(err, errors.ErrIntegrity),
		errors.Is(err, errors.ErrLockTimeout),
		errors.Is(err, errors.ErrNetwork):
		return ExitDownload
	case errors.Is(err, errors.ErrPackageResolve),
		errors.Is(err, errors.ErrNoCompatibleTarget),
		errors.Is(err, errors.ErrDependency),
		errors.Is(err, errors.ErrPackageKey),
		errors.Is(err, errors.ErrNotInstalled),
		errors.Is(err, errors.ErrStalePlan):
		return ExitResolve
	default:
		return ExitUsage
	}
}

func prefixPath() string {
	if PrefixPath == nil || *PrefixPath == "" {
		return "."
	}
	return *PrefixPath
}

// openClient opens the prefix named by -c and wires the client facade.
// The returned closer releases the store handle.
func openClient(ctx context.Context) (*client.Pahkat, func(), error) {
	pfx, err := prefix.Open(ctx, prefixPath())
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(pfx.Root())
	if err != nil {
		_ = pfx.Close()
		return nil, nil, err
	}
	p := client.New(cfg, pfx)
	return p, func() { _ = pfx.Close() }, nil
}

// parseKeys resolves CLI package arguments: either full package key
// URLs or bare package ids looked up across the configured
// repositories in significance order.
func parseKeys(ctx context.Context, p *client.Pahkat, args []string) ([]types.PackageKey, error) {
	cat, err := p.Catalogue(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]types.PackageKey, 0, len(args))
	for _, arg := range args {
		if strings.Contains(arg, "://") {
			key, err := types.ParsePackageKey(arg)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
			continue
		}

		found := false
		for _, record := range cat.Repos() {
			key := types.NewPackageKey(record.URL, arg)
			if _, ok := cat.Find(key); ok {
				keys = append(keys, key)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Wrapf(errors.ErrPackageResolve, "package %q not found in any configured repository", arg)
		}
	}
	return keys, nil
}

// printEvent renders one transaction event for the terminal.
func printEvent(event transaction.Event) {
	switch event.Kind {
	case transaction.EventDownloading:
		fmt.Printf("\rdownloading %s: %d/%d bytes", event.Key.ID, event.Current, event.Total)
		if event.Current == event.Total {
			fmt.Println()
		}
	case transaction.EventFailed:
		fmt.Printf("failed %s: %v\n", event.Key.ID, event.Err)
	case transaction.EventRebootRequired:
		fmt.Println("a reboot is required to complete this transaction")
	case transaction.EventDone:
		fmt.Println("done")
	default:
		fmt.Printf("%s %s\n", event.Kind, event.Key.ID)
	}
}
