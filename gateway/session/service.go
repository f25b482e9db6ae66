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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/spacechunks/sessionpool/gateway/directory"
	"github.com/spacechunks/sessionpool/gateway/environment"
	apierrs "github.com/spacechunks/sessionpool/gateway/errors"
	"github.com/spacechunks/sessionpool/gateway/pool"
	"github.com/spacechunks/sessionpool/gateway/resource"
)

// proxyRetryDelay is the pause before the proxy's single transport
// retry.
const proxyRetryDelay = 200 * time.Millisecond

type Service interface {
	// Manifest returns the current state of the session's pod,
	// acquiring one from the pool first if the session has none.
	Manifest(ctx context.Context, sess Session) (Descriptor, Session, error)

	// SpawnForEnvironment creates a dedicated pod for the given
	// environment, bypassing the standby pool, and binds the session
	// to it.
	SpawnForEnvironment(ctx context.Context, sess Session, envID string, req resource.Request) (Descriptor, Session, error)

	// InspectEnvironment returns the descriptor of the environment
	// the session is bound to.
	InspectEnvironment(ctx context.Context, sess Session) (environment.Descriptor, error)

	// Proxy forwards one HTTP call to the session's pod and returns
	// the raw response. Exactly one automatic retry on transport
	// failure.
	Proxy(ctx context.Context, sess Session, method, path string, body []byte) (ProxyResponse, error)
}

type svc struct {
	logger     *slog.Logger
	pool       pool.Service
	dir        directory.Service
	envs       *environment.Registry
	client     *http.Client
	defaultEnv string
}

func NewService(
	logger *slog.Logger,
	poolSvc pool.Service,
	dir directory.Service,
	envs *environment.Registry,
	client *http.Client,
	defaultEnv string,
) Service {
	return &svc{
		logger:     logger.With("component", "session"),
		pool:       poolSvc,
		dir:        dir,
		envs:       envs,
		client:     client,
		defaultEnv: defaultEnv,
	}
}

func (s *svc) Manifest(ctx context.Context, sess Session) (Descriptor, Session, error) {
	sess, err := ensureID(sess)
	if err != nil {
		return Descriptor{}, sess, err
	}

	if sess.Bound() {
		rec, err := s.dir.Get(ctx, sess.PodID)
		if err != nil {
			return Descriptor{}, sess, err
		}
		return describe(rec), sess, nil
	}

	rec, err := s.pool.Acquire(ctx)
	if err != nil {
		return Descriptor{}, sess, err
	}

	if err := s.pool.Bind(ctx, rec.ID); err != nil {
		return Descriptor{}, sess, err
	}

	sess.PodID = rec.ID
	sess.Environment = rec.Environment

	s.logger.InfoContext(ctx, "session bound", "session_id", sess.ID, "pod_id", rec.ID)

	return describe(rec), sess, nil
}

func (s *svc) SpawnForEnvironment(
	ctx context.Context,
	sess Session,
	envID string,
	req resource.Request,
) (Descriptor, Session, error) {
	sess, err := ensureID(sess)
	if err != nil {
		return Descriptor{}, sess, err
	}

	rec, err := s.pool.Spawn(ctx, envID, pool.StageSpawned, req)
	if err != nil {
		return Descriptor{}, sess, err
	}

	if err := s.pool.Bind(ctx, rec.ID); err != nil {
		return Descriptor{}, sess, err
	}

	sess.PodID = rec.ID
	sess.Environment = envID

	s.logger.InfoContext(ctx, "session bound to spawned pod",
		"session_id", sess.ID,
		"pod_id", rec.ID,
		"environment", envID,
	)

	return describe(rec), sess, nil
}

func (s *svc) InspectEnvironment(ctx context.Context, sess Session) (environment.Descriptor, error) {
	envID := sess.Environment
	if envID == "" {
		envID = s.defaultEnv
	}
	return s.envs.Resolve(envID)
}

func (s *svc) Proxy(
	ctx context.Context,
	sess Session,
	method, path string,
	body []byte,
) (ProxyResponse, error) {
	if !sess.Bound() {
		return ProxyResponse{}, fmt.Errorf("%w: session has no pod", apierrs.ErrUpstreamUnavailable)
	}

	base, err := s.pool.Resolve(ctx, sess.PodID)
	if err != nil {
		return ProxyResponse{}, fmt.Errorf("%w: %v", apierrs.ErrUpstreamUnavailable, err)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var (
		url     = base + path
		resp    ProxyResponse
		attempt int
	)
	op := func() error {
		attempt++
		if attempt > 1 {
			metricProxyRetries.Inc()
		}

		// the body reader is consumed per attempt, rebuild it here.
		var reader io.Reader
		if (method == http.MethodPost || method == http.MethodPut) && len(body) > 0 {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		res, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}

		resp = ProxyResponse{
			StatusCode: res.StatusCode,
			Body:       data,
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(proxyRetryDelay), 1),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return ProxyResponse{}, fmt.Errorf("%w: %v", apierrs.ErrProxyFailed, err)
	}

	metricProxiedRequests.WithLabelValues(method).Inc()
	return resp, nil
}

func ensureID(sess Session) (Session, error) {
	if sess.ID != "" {
		return sess, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return sess, fmt.Errorf("generate session id: %w", err)
	}

	sess.ID = id.String()
	sess.CreatedAt = time.Now()
	return sess, nil
}

func describe(rec directory.PodRecord) Descriptor {
	d := Descriptor{
		ID:              rec.ID,
		CreatedAt:       rec.CreatedAt,
		Phase:           rec.Phase,
		PendingPosition: rec.PendingPosition,
	}
	if rec.IP != "" && rec.Port != 0 {
		d.Address = fmt.Sprintf("http://%s:%d", rec.IP, rec.Port)
	}
	return d
}
