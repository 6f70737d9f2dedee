package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Conflicts lists pending merge conflicts for review.
func (a *App) Conflicts(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	conflicts, err := a.engine.Conflicts(ctx)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		printlnFn("No pending conflicts.")
		return nil
	}

	for _, c := range conflicts {
		line := fmt.Sprintf("%s  %s %s [%s/%s]", c.ID, c.Kind, c.EntityID, c.Reason, c.Severity)
		if len(c.Fields) > 0 {
			line += " fields: " + strings.Join(c.Fields, ", ")
		}
		printlnFn(line)
	}
	return nil
}

// Resolve marks a conflict as reviewed, accepting the current merged state of
// the entity. To pick different field values, edit the entity afterwards; the
// superseded version stays retained either way.
func (a *App) Resolve(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	id, err := getSimpleText(a.reader, "Enter conflict id", os.Stdout)
	if err != nil {
		return err
	}
	if err := a.engine.ResolveConflict(ctx, id, nil); err != nil {
		return err
	}
	printlnFn("Resolved.")
	return nil
}
