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

package session_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spacechunks/sessionpool/gateway/session"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
)

func newTestServer(t *testing.T, objs ...runtime.Object) *httptest.Server {
	t.Helper()

	svc, _ := newStack(t, nil, objs...)
	codec := session.NewTokenCodec([]byte("sekrit"), "sessionpool", time.Hour)

	mux := http.NewServeMux()
	session.NewServer(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		svc,
		codec,
	).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateSession(t *testing.T) {
	srv := newTestServer(t, standbyPod("pod-a"))

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(session.TokenHeader))

	var desc session.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	require.Equal(t, "pod-a", desc.ID)
	require.Equal(t, "http://10.0.0.7:8080", desc.Address)
}

func TestCreateSessionForEnvironment(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(
		srv.URL+"/v1/sessions",
		"application/json",
		strings.NewReader(`{"environment":"core","resources":{"cpuShares":512}}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(session.TokenHeader))

	var desc session.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	require.Contains(t, desc.ID, "session-")
}

func TestCreateSessionUnknownEnvironment(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(
		srv.URL+"/v1/sessions",
		"application/json",
		strings.NewReader(`{"environment":"does-not-exist"}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSessionMalformedBody(t *testing.T) {
	srv := newTestServer(t, standbyPod("pod-a"))

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManifestRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/sessions/self")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManifestRejectsForgedToken(t *testing.T) {
	srv := newTestServer(t)

	forged := session.NewTokenCodec([]byte("other-key"), "sessionpool", time.Hour)
	token, err := forged.Sign(session.Session{ID: "sess-1"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions/self", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionFlow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ping", r.URL.Path)
		_, _ = w.Write([]byte(`{"pong":true}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, boundPod(t, "pod-a", upstream.URL))

	// mint a token already bound to the reachable pod, the same thing
	// a client holds after creating a session.
	codec := session.NewTokenCodec([]byte("sekrit"), "sessionpool", time.Hour)
	token, err := codec.Sign(session.Session{
		ID:          "sess-1",
		PodID:       "pod-a",
		Environment: "core",
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)

	// manifest reflects the bound pod
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions/self", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	var desc session.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pod-a", desc.ID)

	// environment inspection resolves the bound environment
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v1/environments/self", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	var env struct {
		ID    string `json:"id"`
		Image string `json:"image"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	resp.Body.Close()
	require.Equal(t, "core", env.ID)
	require.Equal(t, "example.com/core:1", env.Image)

	// proxied calls reach the workload
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v1/proxy/ping", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"pong":true}`, string(body))
}

func TestProxyRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/proxy/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
