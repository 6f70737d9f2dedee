package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/relay/api"
	"github.com/tallysync/tally/internal/relay/models"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 500
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PrincipalID == "" || req.CompanyID == "" || len(req.Salt) == 0 || len(req.Verifier) == 0 {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	p := &models.Principal{
		ID:        req.PrincipalID,
		CompanyID: req.CompanyID,
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
		Role:      req.Role,
		Salt:      req.Salt,
		Verifier:  req.Verifier,
	}
	if err := s.auth.Register(r.Context(), p); err != nil {
		s.log.Error(r.Context(), "register failed", "principal", req.PrincipalID, "error", err.Error())
		writeError(w, http.StatusConflict, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, struct{}{})
}

func (s *Server) handleSalt(w http.ResponseWriter, r *http.Request) {
	var req api.SaltRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	salt, err := s.auth.GetSalt(r.Context(), req.PrincipalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, api.SaltResponse{Salt: salt})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.auth.Login(r.Context(), req.PrincipalID, req.Verifier)
	if err != nil {
		if errors.Is(err, common.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, api.TokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.auth.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, common.ErrUnauthorized) || errors.Is(err, common.ErrRefreshTokenExpired) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, api.TokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req api.PushRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	batch := make([]*models.Delta, 0, len(req.Deltas))
	for _, d := range req.Deltas {
		batch = append(batch, &models.Delta{
			DeltaID:     d.ID,
			PrincipalID: d.PrincipalID,
			Timestamp:   d.Timestamp,
			Ciphertext:  d.Ciphertext,
			Nonce:       d.Nonce,
			Hash:        d.Hash,
		})
	}

	result, err := s.deltas.Push(r.Context(), claims.PrincipalID, claims.CompanyID, batch)
	if err != nil {
		s.log.Error(r.Context(), "push failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := api.PushResponse{Accepted: result.Accepted}
	for _, rej := range result.Rejected {
		resp.Rejected = append(resp.Rejected, api.RejectedDelta{ID: rej.ID, Reason: rej.Reason})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	deltas, more, err := s.deltas.Pull(r.Context(), claims.CompanyID, since, limit)
	if err != nil {
		s.log.Error(r.Context(), "pull failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := api.PullResponse{NextSince: since, More: more, ServerTime: time.Now().UTC()}
	for _, d := range deltas {
		resp.Deltas = append(resp.Deltas, api.ServerDelta{
			Delta: api.Delta{
				ID:          d.DeltaID,
				PrincipalID: d.PrincipalID,
				Timestamp:   d.Timestamp,
				Ciphertext:  d.Ciphertext,
				Nonce:       d.Nonce,
				Hash:        d.Hash,
			},
			ServerSeq: d.ServerSeq,
		})
		resp.NextSince = d.ServerSeq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req api.AckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deltas.Ack(r.Context(), claims.PrincipalID, req.DeltaIDs); err != nil {
		s.log.Error(r.Context(), "ack failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req api.PresignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Method {
	case http.MethodPut:
		key, url, expires, err := s.attachments.GetPresignedPutUrl(r.Context(), claims.CompanyID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "presign failed")
			return
		}
		writeJSON(w, http.StatusOK, api.PresignResponse{Key: key, URL: url, ExpiresAt: expires})
	case http.MethodGet:
		if req.Key == "" {
			writeError(w, http.StatusBadRequest, "missing key")
			return
		}
		url, expires, err := s.attachments.GetPresignedGetUrl(r.Context(), req.Key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "presign failed")
			return
		}
		writeJSON(w, http.StatusOK, api.PresignResponse{Key: req.Key, URL: url, ExpiresAt: expires})
	default:
		writeError(w, http.StatusBadRequest, "method must be PUT or GET")
	}
}
