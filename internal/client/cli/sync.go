package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/client/store"
)

// Sync runs a full push/pull cycle against the relay now.
func (a *App) Sync(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}
	if err := a.relay.Sync(ctx); err != nil {
		return err
	}
	printlnFn("Synced.")
	return nil
}

// Status prints the sync state, pending backlog and last successful sync time.
func (a *App) Status(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	state, backlog, err := a.relay.Status(ctx)
	if err != nil {
		return err
	}
	printlnFn("State:", string(state))
	printlnFn("Pending deltas:", backlog)

	if quarantined, err := a.store.QuarantinedDeltas(ctx); err == nil && len(quarantined) > 0 {
		printlnFn("Quarantined deltas:", len(quarantined))
	}

	if raw, err := a.store.GetMeta(ctx, store.MetaLastSyncAt); err == nil && raw != nil {
		if at, err := time.Parse(time.RFC3339, string(raw)); err == nil {
			printlnFn("Last sync:", at.Local().Format("2006-01-02 15:04:05"))
		}
	}
	printlnFn("Key epoch:", a.sess.KeyEpoch())
	return nil
}
