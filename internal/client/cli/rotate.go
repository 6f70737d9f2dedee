package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/tallysync/tally/internal/client/rotation"
)

// Rotate mints a new company key, re-wraps it for every active principal and
// re-encrypts the stored ledger. The session's key retires with the old
// epoch, so the user has to log in again afterwards.
func (a *App) Rotate(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	confirm, err := getSimpleText(a.reader, "Rotate the company key? This re-encrypts the whole ledger. (yes/no)", os.Stdout)
	if err != nil {
		return err
	}
	if confirm != "yes" {
		printlnFn("Aborted.")
		return nil
	}

	epoch, err := a.rotator.Rotate(ctx, a.sess, a.printProgress)
	if err != nil {
		return err
	}

	printlnFn(fmt.Sprintf("Rotation complete, key epoch %d. Please log in again.", epoch))
	a.closeSession()
	return nil
}

// Revoke removes a principal's access and rotates the key so whatever they
// still hold in memory opens nothing written afterwards.
func (a *App) Revoke(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	principalID, err := getSimpleText(a.reader, "Enter principal id to revoke", os.Stdout)
	if err != nil {
		return err
	}

	epoch, err := a.rotator.Revoke(ctx, a.sess, principalID, a.printProgress)
	if err != nil {
		return err
	}

	printlnFn(fmt.Sprintf("Principal revoked, key epoch %d. Please log in again.", epoch))
	a.closeSession()
	return nil
}

func (a *App) printProgress(p rotation.Progress) {
	printlnFn(fmt.Sprintf("re-encrypted %d/%d", p.Done, p.Total))
}
