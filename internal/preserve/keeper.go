package preserve

import (
	"context"
	"time"
)

// DefaultInterval is the auto-save tick period.
const DefaultInterval = 30 * time.Second

// Keeper drives the save triggers for one editor instance: the fixed
// interval auto-save tick, gated on the content having changed since the
// last tick, and explicit flushes before submission or unload.
type Keeper struct {
	store      *Store
	editorType string
	formID     string
	pagePath   string
	content    func() string
	interval   time.Duration

	lastSeen string
}

// NewKeeper builds a keeper reading content through the given function.
func NewKeeper(store *Store, editorType, formID, pagePath string, content func() string) *Keeper {
	return &Keeper{
		store:      store,
		editorType: editorType,
		formID:     formID,
		pagePath:   pagePath,
		content:    content,
		interval:   DefaultInterval,
	}
}

// Run ticks until the context is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick performs one auto-save pass: a no-op unless the content changed
// since the previous tick.
func (k *Keeper) Tick(ctx context.Context) error {
	current := k.content()
	if current == k.lastSeen {
		return nil
	}
	k.lastSeen = current
	return k.store.Save(ctx, k.editorType, current, k.formID, k.pagePath, "auto-save")
}

// Flush saves unconditionally, used before form submission and page unload.
// The store's own guards still skip blank or unchanged content.
func (k *Keeper) Flush(ctx context.Context, reason string) error {
	current := k.content()
	k.lastSeen = current
	return k.store.Save(ctx, k.editorType, current, k.formID, k.pagePath, reason)
}
