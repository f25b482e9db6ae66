/*
 Session Pool, a gateway for allocating isolated compute session pods.
 Copyright (C) 2026 Yannic Rieger <oss@76k.io>

 This program is free software: you can redistribute it and/or modify
 it under the terms of the GNU Affero General Public License as published by
 the Free Software Foundation, either version 3 of the License, or
 (at your option) any later version.

 This program is distributed in the hope that it will be useful,
 but WITHOUT ANY WARRANTY; without even the implied warranty of
 MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 GNU Affero General Public License for more details.

 You should have received a copy of the GNU Affero General Public License
 along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	apierrs "github.com/spacechunks/sessionpool/gateway/errors"
	"github.com/spacechunks/sessionpool/gateway/resource"
)

// TokenHeader carries the refreshed session token on every response
// that created or mutated the caller's session.
const TokenHeader = "X-Session-Token"

// Server exposes the session lifecycle over HTTP. Clients are
// identified solely by the bearer token they present, there is no
// server side session store.
type Server struct {
	logger *slog.Logger
	svc    Service
	codec  TokenCodec
}

func NewServer(logger *slog.Logger, svc Service, codec TokenCodec) *Server {
	return &Server{
		logger: logger.With("component", "session-server"),
		svc:    svc,
		codec:  codec,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions/self", s.handleManifest)
	mux.HandleFunc("GET /v1/environments/self", s.handleEnvironment)
	mux.HandleFunc("/v1/proxy/", s.handleProxy)
}

type createRequest struct {
	Environment string           `json:"environment"`
	Resources   resource.Request `json:"resources"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.Body != nil {
		// an empty body means pool defaults, anything else has to parse.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, apierrs.New(http.StatusBadRequest, "malformed request body"))
			return
		}
	}

	var (
		desc Descriptor
		sess Session
		err  error
	)
	if req.Environment != "" {
		desc, sess, err = s.svc.SpawnForEnvironment(r.Context(), Session{}, req.Environment, req.Resources)
	} else {
		desc, sess, err = s.svc.Manifest(r.Context(), Session{})
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeSession(w, r, http.StatusCreated, desc, sess)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	desc, sess, err := s.svc.Manifest(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeSession(w, r, http.StatusOK, desc, sess)
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	env, err := s.svc.InspectEnvironment(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, env)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, apierrs.New(http.StatusBadRequest, "could not read request body"))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/proxy")

	resp, err := s.svc.Proxy(r.Context(), sess, r.Method, path, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// the upstream answer passes through untouched, including
	// non-2xx statuses.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to write proxied response", "err", err)
	}
}

// authenticate extracts and verifies the bearer session token. On
// failure it has already written the error response.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (Session, bool) {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		s.writeError(w, r, apierrs.ErrInvalidSession)
		return Session{}, false
	}

	sess, err := s.codec.Parse(raw)
	if err != nil {
		s.writeError(w, r, err)
		return Session{}, false
	}

	return sess, true
}

// writeSession responds with the pod descriptor and puts a freshly
// signed token in the response header, so the client always holds the
// latest binding.
func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, status int, desc Descriptor, sess Session) {
	token, err := s.codec.Sign(sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set(TokenHeader, token)
	s.writeJSON(w, r, status, desc)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	var apiErr apierrs.Error
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatus()
		msg = apiErr.Message
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
