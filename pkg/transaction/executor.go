// Package transaction executes resolved plans: a download phase that
// stages every payload in the cache, then an install phase that drives
// the package store step by step, emitting a lazy, finite event stream.
package transaction

import (
	"context"

	"github.com/glorpus-work/pahkat/pkg/download"
	"github.com/glorpus-work/pahkat/pkg/index"
	"github.com/glorpus-work/pahkat/pkg/resolve"
	"github.com/glorpus-work/pahkat/pkg/store"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// Event buffering: producers backpressure once the consumer falls this
// far behind.
const eventBufferSize = 64

// Executor drives plans to completion.
type Executor struct {
	cache *download.Cache
}

// New creates an executor using the given payload cache.
func New(cache *download.Cache) *Executor {
	return &Executor{cache: cache}
}

// Execute runs the plan, returning its event stream. The stream ends
// when the transaction completes, fails, or is cancelled; cancelling
// ctx stops the producer. A failed download aborts before any install
// begins; a failed install stops the plan at the failing step, and
// earlier steps stand.
func (e *Executor) Execute(ctx context.Context, plan *resolve.Plan) <-chan Event {
	events := make(chan Event, eventBufferSize)
	go func() {
		defer close(events)
		e.run(ctx, plan, events)
	}()
	return events
}

// emit delivers an event unless the consumer is gone.
func emit(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) run(ctx context.Context, plan *resolve.Plan, events chan<- Event) {
	if err := plan.Validate(ctx); err != nil {
		emit(ctx, events, Event{Kind: EventFailed, Err: err})
		return
	}

	payloadPaths, ok := e.downloadPhase(ctx, plan, events)
	if !ok {
		return
	}
	e.installPhase(ctx, plan, payloadPaths, events)
}

// downloadPhase stages every install payload in the cache. Any failure
// aborts the transaction; no install has begun yet.
func (e *Executor) downloadPhase(ctx context.Context, plan *resolve.Plan, events chan<- Event) (map[string]string, bool) {
	payloadPaths := make(map[string]string)
	for _, step := range plan.Steps {
		if step.Action != resolve.ActionInstall {
			continue
		}
		if ctx.Err() != nil {
			return nil, false
		}
		key := step.Key
		progress := func(current, total int64) {
			emit(ctx, events, Event{Kind: EventDownloading, Key: key, Current: current, Total: total})
		}
		path, err := e.cache.Get(ctx, step.Target.Payload, progress)
		if err != nil {
			emit(ctx, events, Event{Kind: EventFailed, Key: key, Err: err})
			return nil, false
		}
		payloadPaths[key.String()] = path
	}
	return payloadPaths, true
}

// installPhase processes steps in plan order. Cancellation is honored
// between steps only: a running backend operation is an uninterruptible
// critical section.
func (e *Executor) installPhase(ctx context.Context, plan *resolve.Plan, payloadPaths map[string]string, events chan<- Event) {
	pkgStore := plan.Store()
	cat := plan.Catalogue()
	rebootRequired := false

	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			return
		}
		// The backend call must run to completion even if the consumer
		// cancels mid-install.
		stepCtx := context.WithoutCancel(ctx)

		switch step.Action {
		case resolve.ActionUninstall:
			if !emit(ctx, events, Event{Kind: EventUninstalling, Key: step.Key}) {
				return
			}
			if err := pkgStore.Uninstall(stepCtx, cat, step.Key, step.InstallTarget); err != nil {
				emit(ctx, events, Event{Kind: EventFailed, Key: step.Key, Err: err})
				return
			}
			if uninstallNeedsReboot(cat, step.Key) {
				rebootRequired = true
			}
		case resolve.ActionInstall:
			if !emit(ctx, events, Event{Kind: EventInstalling, Key: step.Key}) {
				return
			}
			req := &store.InstallRequest{
				Key:           step.Key,
				Target:        step.Target,
				Version:       step.Version,
				PayloadPath:   payloadPaths[step.Key.String()],
				Dependencies:  step.Dependencies,
				InstallTarget: step.InstallTarget,
				AsDependency:  step.AsDependency,
			}
			if err := pkgStore.Install(stepCtx, req); err != nil {
				emit(ctx, events, Event{Kind: EventFailed, Key: step.Key, Err: err})
				return
			}
			if step.Target.Payload.PayloadFlags().Has(types.RequiresRebootFlag) {
				rebootRequired = true
			}
		}
		if !emit(ctx, events, Event{Kind: EventCompleted, Key: step.Key}) {
			return
		}
	}

	if rebootRequired {
		if !emit(ctx, events, Event{Kind: EventRebootRequired}) {
			return
		}
	}
	emit(ctx, events, Event{Kind: EventDone})
}

// uninstallNeedsReboot checks the payload's uninstall-reboot flag. An
// unresolvable key (package vanished from the repo) carries no flag.
func uninstallNeedsReboot(cat *index.Catalogue, key types.PackageKey) bool {
	_, _, target, err := cat.ResolveTarget(key)
	if err != nil {
		return false
	}
	return target.Payload.PayloadFlags().Has(types.RequiresUninstallRebootFlag)
}
