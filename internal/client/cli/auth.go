package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/tallysync/tally/internal/client/session"
	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/relay/api"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

// Init creates a company on a fresh device: mints the company key, enrolls
// the founding principal as admin and registers them with the relay. The
// relay being unreachable is not fatal; registration is retried by Sync
// users later via Enroll, and the ledger works fully offline.
func (a *App) Init(ctx context.Context) error {
	userID, err := getSimpleText(a.reader, "Enter user id (email)", os.Stdout)
	if err != nil {
		return err
	}
	deviceID, err := getSimpleText(a.reader, "Enter device name", os.Stdout)
	if err != nil {
		return err
	}
	passphrase, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer cryptox.Wipe(passphrase)

	sess, err := a.manager.Bootstrap(ctx, session.Principal{UserID: userID, DeviceID: deviceID}, passphrase)
	if err != nil {
		return err
	}

	companyID := uuid.NewString()
	if err := a.store.SetMeta(ctx, store.MetaCompanyID, []byte(companyID)); err != nil {
		sess.Close()
		return err
	}

	a.openSession(sess)

	if err := a.registerWithRelay(ctx, sess.Principal, companyID, passphrase); err != nil {
		printlnFn("Relay unreachable, working offline:", err.Error())
	}

	printlnFn("Company created. Principal id:", sess.Principal.ID)
	return nil
}

// Enroll authorizes a new principal with a one-time passphrase. Admin only.
func (a *App) Enroll(ctx context.Context) error {
	if !a.isLoggedIn() {
		return common.ErrUnauthorized
	}

	userID, err := getSimpleText(a.reader, "Enter user id (email)", os.Stdout)
	if err != nil {
		return err
	}
	deviceID, err := getSimpleText(a.reader, "Enter device name", os.Stdout)
	if err != nil {
		return err
	}
	role, err := getSimpleText(a.reader, "Enter role (admin/manager/member/auditor)", os.Stdout)
	if err != nil {
		return err
	}
	printlnFn("One-time passphrase for the new principal.")
	passphrase, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer cryptox.Wipe(passphrase)

	p, err := a.manager.Enroll(ctx, a.sess, session.Principal{UserID: userID, DeviceID: deviceID, Role: role}, passphrase)
	if err != nil {
		return err
	}

	companyID, err := a.store.GetMeta(ctx, store.MetaCompanyID)
	if err != nil {
		return err
	}
	if err := a.registerWithRelay(ctx, p, string(companyID), passphrase); err != nil {
		printlnFn("Enrolled locally, relay registration failed:", err.Error())
	}

	printlnFn("Principal enrolled. Id:", p.ID)
	return nil
}

// Login unlocks the session for this device's principal and authenticates
// against the relay. If the relay is unreachable the session still opens;
// everything except sync keeps working.
//
// An unfinished key rotation found on disk is resumed before anything else,
// so no ciphertext stays stranded under a retiring key.
func (a *App) Login(ctx context.Context) error {
	principalID, err := a.store.GetMeta(ctx, store.MetaPrincipalID)
	if err != nil {
		return err
	}
	if principalID == nil {
		return fmt.Errorf("no principal on this device, run init first")
	}

	passphrase, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer cryptox.Wipe(passphrase)

	sess, err := a.manager.Open(ctx, string(principalID), passphrase)
	if err != nil {
		if errors.Is(err, common.ErrAccessRevoked) {
			return fmt.Errorf("access to this company was revoked")
		}
		return err
	}
	a.openSession(sess)

	if err := a.resumeRotationIfAny(ctx); err != nil {
		printlnFn("Warning: resuming key rotation failed:", err.Error())
	}

	if err := a.relayLogin(ctx, sess.Principal.ID, passphrase); err != nil {
		printlnFn("Relay unreachable, working offline:", err.Error())
	} else {
		printlnFn("Logged in.")
	}
	return nil
}

// Logout wipes the company key and locks the session.
func (a *App) Logout(ctx context.Context) error {
	a.closeSession()
	printlnFn("Locked.")
	return nil
}

// registerWithRelay enrolls a principal with the relay: their KDF salt so a
// fresh device can re-derive keys, and the login verifier. The auth subkey
// itself never leaves the device.
func (a *App) registerWithRelay(ctx context.Context, p session.Principal, companyID string, passphrase []byte) error {
	authKey, err := a.manager.AuthKey(ctx, p.ID, passphrase)
	if err != nil {
		return err
	}
	defer cryptox.Wipe(authKey)

	row, err := a.store.GetPrincipalKey(ctx, p.ID)
	if err != nil {
		return err
	}

	req := api.RegisterRequest{
		CompanyID:   companyID,
		PrincipalID: p.ID,
		UserID:      p.UserID,
		DeviceID:    p.DeviceID,
		Role:        p.Role,
		Salt:        row.KDFSalt,
		Verifier:    cryptox.MakeVerifier(authKey),
	}
	if err := a.relay.Register(ctx, req); err != nil {
		return err
	}
	return a.relay.Login(ctx, cryptox.MakeVerifier(authKey))
}

func (a *App) relayLogin(ctx context.Context, principalID string, passphrase []byte) error {
	authKey, err := a.manager.AuthKey(ctx, principalID, passphrase)
	if err != nil {
		return err
	}
	defer cryptox.Wipe(authKey)
	return a.relay.Login(ctx, cryptox.MakeVerifier(authKey))
}

func (a *App) resumeRotationIfAny(ctx context.Context) error {
	if _, err := a.store.ActiveRotationJob(ctx); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}
	printlnFn("Resuming unfinished key rotation...")
	return a.rotator.Resume(ctx, a.sess, a.printProgress)
}
