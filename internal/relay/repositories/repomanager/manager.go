// Package repomanager binds the relay's repositories to a shared database
// handle so services can run several of them inside one transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/relay/repositories/deltas"
	"github.com/tallysync/tally/internal/relay/repositories/principals"
	"github.com/tallysync/tally/internal/relay/repositories/refreshtokens"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Principals(db dbx.DBTX) principals.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	Deltas(db dbx.DBTX) deltas.Repository
}
