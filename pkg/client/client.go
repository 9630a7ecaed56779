// Package client ties the core together behind the process-boundary
// API consumed by the CLI and the RPC service: repository refresh,
// status queries, plan resolution, transaction processing and settings.
package client

import (
	"context"
	"sync"

	"github.com/glorpus-work/pahkat/pkg/config"
	"github.com/glorpus-work/pahkat/pkg/download"
	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/fsutil"
	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/resolve"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/transaction"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// TxID identifies a running transaction for cancellation.
type TxID uint32

// Pahkat is the client facade over one package store and one config.
type Pahkat struct {
	cfg      *config.Config
	pkgStore store.PackageStore
	loader   *index.Loader
	cache    *download.Cache
	executor *transaction.Executor

	mu      sync.Mutex
	cat     *index.Catalogue
	nextTx  TxID
	cancels map[TxID]context.CancelFunc
}

// New creates a client over the given config and package store.
func New(cfg *config.Config, pkgStore store.PackageStore) *Pahkat {
	cache := download.NewCache(cfg.CacheBaseDir())
	return &Pahkat{
		cfg:      cfg,
		pkgStore: pkgStore,
		loader:   index.NewLoader(0),
		cache:    cache,
		executor: transaction.New(cache),
		cancels:  map[TxID]context.CancelFunc{},
	}
}

func (p *Pahkat) repoRecords() []index.RepoRecord {
	records := make([]index.RepoRecord, 0, len(p.cfg.Repositories))
	for _, repo := range p.cfg.Repositories {
		records = append(records, index.RepoRecord{URL: repo.URL, Channel: repo.Channel})
	}
	return records
}

// RepoIndexes refreshes and returns the catalogue snapshot. Per-repo
// failures are recorded on the catalogue; the call itself does not
// fail, and with no repository configured it returns an empty
// catalogue.
func (p *Pahkat) RepoIndexes(ctx context.Context) (*index.Catalogue, error) {
	cat := p.loader.Refresh(ctx, p.repoRecords())
	p.mu.Lock()
	p.cat = cat
	p.mu.Unlock()
	return cat, nil
}

// Catalogue returns the current snapshot, refreshing on first use.
func (p *Pahkat) Catalogue(ctx context.Context) (*index.Catalogue, error) {
	p.mu.Lock()
	cat := p.cat
	p.mu.Unlock()
	if cat != nil {
		return cat, nil
	}
	return p.RepoIndexes(ctx)
}

// Status reports one package's installed state.
func (p *Pahkat) Status(ctx context.Context, key types.PackageKey, target store.InstallTarget) (store.Status, error) {
	cat, err := p.Catalogue(ctx)
	if err != nil {
		return store.StatusNotInstalled, err
	}
	return p.pkgStore.Status(ctx, cat, key, target)
}

// Resolve produces a plan for the actions against the current snapshot.
func (p *Pahkat) Resolve(ctx context.Context, actions []resolve.Action) (*resolve.Plan, error) {
	cat, err := p.Catalogue(ctx)
	if err != nil {
		return nil, err
	}
	return resolve.New(cat, p.pkgStore).Resolve(ctx, actions)
}

// ProcessTransaction starts executing a plan and returns its id and
// event stream. The id cancels the transaction from another caller.
func (p *Pahkat) ProcessTransaction(ctx context.Context, plan *resolve.Plan) (TxID, <-chan transaction.Event, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return 0, nil, errors.Wrap(errors.ErrPackageResolve, "nothing to do")
	}
	txCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.nextTx++
	id := p.nextTx
	p.cancels[id] = cancel
	p.mu.Unlock()

	events := p.executor.Execute(txCtx, plan)

	// Forward events and release the cancel slot when the stream ends.
	out := make(chan transaction.Event)
	go func() {
		defer close(out)
		defer func() {
			p.mu.Lock()
			delete(p.cancels, id)
			p.mu.Unlock()
			cancel()
		}()
		for event := range events {
			select {
			case out <- event:
			case <-txCtx.Done():
				return
			}
		}
	}()
	return id, out, nil
}

// Cancel requests cooperative cancellation of a running transaction.
func (p *Pahkat) Cancel(id TxID) {
	p.mu.Lock()
	cancel := p.cancels[id]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// DownloadTo fetches a package's payload through the cache and copies
// it into destDir, returning the destination path.
func (p *Pahkat) DownloadTo(ctx context.Context, key types.PackageKey, destDir string, progress download.Progress) (string, error) {
	cat, err := p.Catalogue(ctx)
	if err != nil {
		return "", err
	}
	_, _, target, err := cat.ResolveTarget(key)
	if err != nil {
		return "", err
	}
	cached, err := p.cache.Get(ctx, target.Payload, progress)
	if err != nil {
		return "", err
	}
	return fsutil.CopyInto(cached, destDir)
}

// SettingsGet returns a named setting.
func (p *Pahkat) SettingsGet(key string) string {
	return p.cfg.SettingGet(key)
}

// SettingsSet updates a named setting.
func (p *Pahkat) SettingsSet(key, value string) error {
	return p.cfg.SettingSet(key, value)
}

// RepoAdd configures a repository and invalidates the snapshot.
func (p *Pahkat) RepoAdd(repoURL, channel string) error {
	if err := p.cfg.AddRepo(repoURL, channel); err != nil {
		return err
	}
	p.invalidate()
	return nil
}

// RepoRemove drops a repository and invalidates the snapshot.
func (p *Pahkat) RepoRemove(repoURL string) error {
	if err := p.cfg.RemoveRepo(repoURL); err != nil {
		return err
	}
	p.invalidate()
	return nil
}

func (p *Pahkat) invalidate() {
	p.mu.Lock()
	p.cat = nil
	p.mu.Unlock()
}

// Store exposes the underlying package store.
func (p *Pahkat) Store() store.PackageStore {
	return p.pkgStore
}

// Config exposes the underlying configuration.
func (p *Pahkat) Config() *config.Config {
	return p.cfg
}
