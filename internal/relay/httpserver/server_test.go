package httpserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/logging"
	"github.com/tallysync/tally/internal/relay/api"
	"github.com/tallysync/tally/internal/relay/auth"
	"github.com/tallysync/tally/internal/relay/models"
	"github.com/tallysync/tally/internal/relay/services"
)

var jwtSecret = []byte("test-secret")

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

type stubAuth struct {
	registered []*models.Principal
	loginErr   error
}

func (s *stubAuth) Register(_ context.Context, p *models.Principal) error {
	s.registered = append(s.registered, p)
	return nil
}

func (s *stubAuth) GetSalt(context.Context, string) ([]byte, error) {
	return []byte("salt"), nil
}

func (s *stubAuth) Login(context.Context, string, []byte) (*services.TokenPair, error) {
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	return &services.TokenPair{AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (s *stubAuth) RefreshToken(context.Context, string) (*services.TokenPair, error) {
	return &services.TokenPair{AccessToken: "access2", RefreshToken: "refresh2"}, nil
}

type stubDeltas struct {
	pushed      []*models.Delta
	pushedAs    string
	pushedInto  string
	stored      []*models.Delta
	acked       []string
	ackedBy     string
	pulledSince int64
	more        bool
}

func (s *stubDeltas) Push(_ context.Context, principalID, companyID string, batch []*models.Delta) (*services.PushResult, error) {
	s.pushed = append(s.pushed, batch...)
	s.pushedAs = principalID
	s.pushedInto = companyID
	result := &services.PushResult{}
	for _, d := range batch {
		result.Accepted = append(result.Accepted, d.DeltaID)
	}
	return result, nil
}

func (s *stubDeltas) Pull(_ context.Context, companyID string, since int64, limit int) ([]*models.Delta, bool, error) {
	s.pulledSince = since
	return s.stored, s.more, nil
}

func (s *stubDeltas) Ack(_ context.Context, principalID string, deltaIDs []string) error {
	s.ackedBy = principalID
	s.acked = append(s.acked, deltaIDs...)
	return nil
}

type stubAttachments struct{}

func (stubAttachments) GetPresignedPutUrl(_ context.Context, companyID string) (string, string, time.Time, error) {
	return "companies/" + companyID + "/blob", "https://s3.example/put", time.Now().Add(15 * time.Minute), nil
}

func (stubAttachments) GetPresignedGetUrl(_ context.Context, key string) (string, time.Time, error) {
	return "https://s3.example/get/" + key, time.Now().Add(15 * time.Minute), nil
}

type fixture struct {
	srv    *httptest.Server
	auth   *stubAuth
	deltas *stubDeltas
}

func setup(t *testing.T) *fixture {
	t.Helper()
	a := &stubAuth{}
	d := &stubDeltas{}
	s := NewServer(":0", testLogger(), a, d, stubAttachments{}, jwtSecret)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, auth: a, deltas: d}
}

func (f *fixture) request(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(common.AuthorizationHeaderName, "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func mintToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken("prn-1", "cmp-1", jwtSecret, time.Minute)
	require.NoError(t, err)
	return token
}

func TestRegister(t *testing.T) {
	f := setup(t)

	status := f.request(t, http.MethodPost, api.RouteRegister, "", api.RegisterRequest{
		CompanyID: "cmp-1", PrincipalID: "prn-1", UserID: "alice", DeviceID: "laptop",
		Role: "admin", Salt: []byte("salt"), Verifier: []byte("verifier"),
	}, nil)
	assert.Equal(t, http.StatusCreated, status)
	require.Len(t, f.auth.registered, 1)
	assert.Equal(t, "cmp-1", f.auth.registered[0].CompanyID)
}

func TestRegister_MissingFields(t *testing.T) {
	f := setup(t)

	status := f.request(t, http.MethodPost, api.RouteRegister, "", api.RegisterRequest{PrincipalID: "prn-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLogin(t *testing.T) {
	f := setup(t)

	var tokens api.TokenResponse
	status := f.request(t, http.MethodPost, api.RouteLogin, "",
		api.LoginRequest{PrincipalID: "prn-1", Verifier: []byte("v")}, &tokens)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "access", tokens.AccessToken)
}

func TestLogin_BadCredentials(t *testing.T) {
	f := setup(t)
	f.auth.loginErr = common.ErrUnauthorized

	status := f.request(t, http.MethodPost, api.RouteLogin, "",
		api.LoginRequest{PrincipalID: "prn-1", Verifier: []byte("v")}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDeltas_RequireAuth(t *testing.T) {
	f := setup(t)

	status := f.request(t, http.MethodPost, api.RouteDeltas, "", api.PushRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status = f.request(t, http.MethodGet, api.RouteDeltas, "garbage-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPush_UsesTokenIdentity(t *testing.T) {
	f := setup(t)
	token := mintToken(t)

	body := []byte("ciphertext")
	sum := sha256.Sum256(body)
	var resp api.PushResponse
	status := f.request(t, http.MethodPost, api.RouteDeltas, token, api.PushRequest{
		Deltas: []api.Delta{{ID: "d-1", PrincipalID: "prn-1", Timestamp: time.Now().UTC(),
			Ciphertext: body, Nonce: []byte("n"), Hash: sum[:]}},
	}, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"d-1"}, resp.Accepted)

	// Company and sender come from the token, not the body.
	assert.Equal(t, "prn-1", f.deltas.pushedAs)
	assert.Equal(t, "cmp-1", f.deltas.pushedInto)
}

func TestPull_ReturnsCursorAndPage(t *testing.T) {
	f := setup(t)
	token := mintToken(t)

	f.deltas.stored = []*models.Delta{
		{ServerSeq: 7, DeltaID: "d-7", PrincipalID: "prn-2", Timestamp: time.Now().UTC(),
			Ciphertext: []byte("c"), Nonce: []byte("n"), Hash: []byte("h")},
	}
	f.deltas.more = true

	var resp api.PullResponse
	status := f.request(t, http.MethodGet, api.RouteDeltas+"?since=3&limit=1", token, nil, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(3), f.deltas.pulledSince)
	require.Len(t, resp.Deltas, 1)
	assert.Equal(t, int64(7), resp.Deltas[0].ServerSeq)
	assert.Equal(t, int64(7), resp.NextSince)
	assert.True(t, resp.More)
}

func TestAck(t *testing.T) {
	f := setup(t)
	token := mintToken(t)

	status := f.request(t, http.MethodPost, api.RouteAck, token, api.AckRequest{DeltaIDs: []string{"d-1", "d-2"}}, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "prn-1", f.deltas.ackedBy)
	assert.Equal(t, []string{"d-1", "d-2"}, f.deltas.acked)
}

func TestPresign(t *testing.T) {
	f := setup(t)
	token := mintToken(t)

	var put api.PresignResponse
	status := f.request(t, http.MethodPost, api.RoutePresign, token, api.PresignRequest{Method: http.MethodPut}, &put)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "companies/cmp-1/blob", put.Key)
	assert.NotEmpty(t, put.URL)

	var get api.PresignResponse
	status = f.request(t, http.MethodPost, api.RoutePresign, token, api.PresignRequest{Method: http.MethodGet, Key: put.Key}, &get)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, get.URL, put.Key)

	status = f.request(t, http.MethodPost, api.RoutePresign, token, api.PresignRequest{Method: "DELETE"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
