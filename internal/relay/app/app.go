// Package app initializes and runs the relay: it opens the database, runs
// migrations, wires the services, starts the HTTP server and the retention
// loop, and handles graceful shutdown.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tallysync/tally/internal/logging"
	"github.com/tallysync/tally/internal/relay/config"
	"github.com/tallysync/tally/internal/relay/httpserver"
	"github.com/tallysync/tally/internal/relay/repositories/repomanager"
	"github.com/tallysync/tally/internal/relay/services"
)

type App struct {
	config       *config.Config
	logger       logging.Logger
	db           *sql.DB
	authService  *services.AuthService
	deltaService *services.DeltaService
	attachments  *services.AttachmentService
}

func NewApp(cfg *config.Config) (*App, error) {
	handler := slog.NewJSONHandler(os.Stdout, nil)
	logger := logging.NewSlogLogger(slog.New(handler))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return &App{
		config:       cfg,
		logger:       logger,
		db:           db,
		authService:  services.NewAuthService(db, m, cfg),
		deltaService: services.NewDeltaService(db, m, logger),
		attachments:  services.NewAttachmentService(cfg),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := httpserver.NewServer(app.config.EndpointAddr, app.logger,
		app.authService, app.deltaService, app.attachments, []byte(app.config.SecretKey))

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// startRetentionLoop prunes stored deltas on a timer until shutdown.
func (app *App) startRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(app.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := app.deltaService.Prune(ctx, time.Now(), app.config.RetentionFloor, app.config.RetentionWindow)
			if err != nil {
				app.logger.Error(ctx, "retention pass failed", "error", err.Error())
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting relay")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startRetentionLoop(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close failed", "error", err.Error())
	}
}
