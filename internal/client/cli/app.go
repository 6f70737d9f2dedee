// Package cli implements the interactive Tally client: a REPL over the local
// encrypted ledger with background synchronization against the relay.
package cli

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/tallysync/tally/internal/client/config"
	"github.com/tallysync/tally/internal/client/rotation"
	"github.com/tallysync/tally/internal/client/session"
	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/client/sync"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/ledger"
	"github.com/tallysync/tally/internal/logging"

	_ "modernc.org/sqlite"
)

// kdfParams is a test seam: tests swap in cheap argon2id costs.
var kdfParams = cryptox.DefaultKDFParams

// App wires the local store, session management, the merge engine and the
// sync client behind the REPL commands. engine, relay and sess are nil until
// a session is opened.
type App struct {
	config  *config.Config
	log     logging.Logger
	store   *store.Store
	manager *session.Manager
	rotator *rotation.Rotator

	sess   *session.Session
	engine *ledger.Engine
	relay  *sync.Client

	reader *bufio.Reader
}

func NewApp(ctx context.Context, c *config.Config, log logging.Logger) (*App, error) {
	st, err := store.Open(ctx, c.DatabasePath)
	if err != nil {
		return nil, err
	}

	return &App{
		config:  c,
		log:     log,
		store:   st,
		manager: session.NewManager(st, log, kdfParams()),
		rotator: rotation.New(st, log, 0),
		reader:  bufio.NewReader(os.Stdin),
	}, nil
}

// Run starts the REPL and, when configured, the background sync loop. It
// returns when the user exits or ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	defer a.store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.config.SyncInterval > 0 {
		go a.startSyncWatcher(ctx, a.config.SyncInterval)
	}

	printlnFn("Tally CLI (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)
	runREPL(ctx, a, a.getStatus, scanner)
}

func (a *App) isLoggedIn() bool {
	return a.sess != nil
}

// openSession installs an unlocked session and builds the components that
// need the company key.
func (a *App) openSession(sess *session.Session) {
	a.sess = sess
	a.engine = ledger.NewEngine(a.store, a.log, sess.Principal.ID, sess.Principal.ReadOnly(), sess.CompanyKey())
	a.relay = sync.New(
		sync.Config{BaseURL: a.config.RelayEndpointAddr},
		a.store, a.engine, sess.CompanyKey(), sess.Principal.ID, a.log,
	)
}

func (a *App) closeSession() {
	if a.sess == nil {
		return
	}
	a.sess.Close()
	a.sess = nil
	a.engine = nil
	a.relay = nil
}

func (a *App) getStatus() string {
	if a.sess == nil {
		return "locked"
	}
	s := a.sess.Principal.UserID
	if a.relay != nil {
		state, backlog, err := a.relay.Status(context.Background())
		if err == nil {
			s += " " + string(state)
			if backlog > 0 {
				s += " *"
			}
		}
	}
	return s
}

// startSyncWatcher periodically synchronizes with the relay while a session
// is open. Failures are logged and retried on the next tick.
func (a *App) startSyncWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !a.isLoggedIn() {
				continue
			}
			syncCtx, cancel := context.WithTimeout(ctx, interval)
			err := a.relay.Sync(syncCtx)
			cancel()
			if err != nil {
				a.log.Debug(ctx, "background sync failed", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}
