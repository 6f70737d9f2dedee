// Package httpserver exposes the relay's JSON API. Handlers translate between
// the wire contract in relay/api and the service layer; they never see
// plaintext ledger data.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tallysync/tally/internal/logging"
	"github.com/tallysync/tally/internal/relay/api"
	"github.com/tallysync/tally/internal/relay/models"
	"github.com/tallysync/tally/internal/relay/services"
)

// AuthService is the authentication surface the handlers need.
type AuthService interface {
	Register(ctx context.Context, p *models.Principal) error
	GetSalt(ctx context.Context, principalID string) ([]byte, error)
	Login(ctx context.Context, principalID string, verifier []byte) (*services.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
}

// DeltaService is the delta pipe surface the handlers need.
type DeltaService interface {
	Push(ctx context.Context, principalID, companyID string, batch []*models.Delta) (*services.PushResult, error)
	Pull(ctx context.Context, companyID string, since int64, limit int) ([]*models.Delta, bool, error)
	Ack(ctx context.Context, principalID string, deltaIDs []string) error
}

// AttachmentService mints presigned URLs for client-side encrypted blobs.
type AttachmentService interface {
	GetPresignedPutUrl(ctx context.Context, companyID string) (string, string, time.Time, error)
	GetPresignedGetUrl(ctx context.Context, key string) (string, time.Time, error)
}

// Server is the relay's HTTP front end.
type Server struct {
	addr        string
	log         logging.Logger
	auth        AuthService
	deltas      DeltaService
	attachments AttachmentService
	jwtSecret   []byte
}

// NewServer constructs a Server.
func NewServer(addr string, log logging.Logger, auth AuthService, deltas DeltaService, attachments AttachmentService, jwtSecret []byte) *Server {
	return &Server{
		addr:        addr,
		log:         log.With("module", "httpserver"),
		auth:        auth,
		deltas:      deltas,
		attachments: attachments,
		jwtSecret:   jwtSecret,
	}
}

// Handler builds the route table. Exposed separately so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+api.RouteRegister, s.handleRegister)
	mux.HandleFunc("POST "+api.RouteSalt, s.handleSalt)
	mux.HandleFunc("POST "+api.RouteLogin, s.handleLogin)
	mux.HandleFunc("POST "+api.RouteRefresh, s.handleRefresh)

	mux.Handle("POST "+api.RouteDeltas, s.withAuth(s.handlePush))
	mux.Handle("GET "+api.RouteDeltas, s.withAuth(s.handlePull))
	mux.Handle("POST "+api.RouteAck, s.withAuth(s.handleAck))
	mux.Handle("POST "+api.RoutePresign, s.withAuth(s.handlePresign))

	return s.logRequests(mux)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info(ctx, "relay listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
