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

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spacechunks/sessionpool/gateway/cluster"
	"github.com/spacechunks/sessionpool/gateway/directory"
	"github.com/spacechunks/sessionpool/gateway/environment"
	"github.com/spacechunks/sessionpool/gateway/pool"
	"github.com/spacechunks/sessionpool/gateway/resource"
	"github.com/spacechunks/sessionpool/gateway/session"
)

type Server struct {
	logger *slog.Logger
	cfg    Config
	stop   chan bool
}

func NewServer(logger *slog.Logger, cfg Config) *Server {
	return &Server{
		logger: logger,
		cfg:    cfg,
		stop:   make(chan bool, 1),
	}
}

func (s *Server) Run(ctx context.Context) error {
	clientset, err := cluster.NewClientset(s.cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	envs, err := s.registry()
	if err != nil {
		return fmt.Errorf("build environment registry: %w", err)
	}

	var (
		pods = cluster.NewPodClient(clientset, s.cfg.Namespace)
		dir  = directory.NewService(s.logger, pods, s.cfg.CacheRefreshInterval)

		policy = resource.NewPolicy(resource.Defaults{
			RequestCPUMillis: s.cfg.DefaultCPUMillis,
			RequestMemoryGiB: s.cfg.DefaultMemoryGiB,
			LimitCPUMillis:   s.cfg.DefaultCPUMillis,
			LimitMemoryGiB:   s.cfg.DefaultMemoryGiB,
		})

		poolSvc = pool.NewService(s.logger, pool.Config{
			OwnerID:            s.cfg.OwnerID,
			DefaultEnvironment: s.cfg.DefaultEnvironment,
			TargetPoolSize:     s.cfg.TargetPoolSize,
			AcquireRetryLimit:  s.cfg.AcquireRetryLimit,
			AffinityWeight:     int32(s.cfg.AffinityWeight),
			ContainerPort:      int32(s.cfg.ContainerPort),
			PodStaleTimeout:    s.cfg.PodStaleTimeout,
		}, pods, dir, envs, policy)

		sessSvc = session.NewService(
			s.logger,
			poolSvc,
			dir,
			envs,
			&http.Client{Timeout: s.cfg.ProxyTimeout},
			s.cfg.DefaultEnvironment,
		)

		codec = session.NewTokenCodec(
			[]byte(s.cfg.SessionSigningKey),
			s.cfg.SessionTokenIssuer,
			s.cfg.SessionTokenExpiry,
		)

		filler  = pool.NewFiller(s.logger, poolSvc, s.cfg.StandbyFillInterval)
		janitor = pool.NewJanitor(s.logger, poolSvc, s.cfg.CleanInterval)
	)

	mux := http.NewServeMux()
	session.NewServer(s.logger, sessSvc, codec).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	g := multierror.Group{}
	g.Go(func() error {
		s.logger.InfoContext(ctx, "serving http", "addr", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cancel()
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		filler.Start(ctx)
		return nil
	})
	g.Go(func() error {
		janitor.Start(ctx)
		return nil
	})

	select {
	case <-ctx.Done():
	case <-s.stop:
	}

	// add stop related code below

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to shut down http server", "err", err)
	}

	return g.Wait().ErrorOrNil()
}

func (s *Server) Stop() {
	s.stop <- true
}

// registry assembles the environment set from the optional descriptor
// file plus the built-in core environment. A file entry may override
// the core environment by reusing its id.
func (s *Server) registry() (*environment.Registry, error) {
	var descriptors []environment.Descriptor
	if s.cfg.EnvironmentsFile != "" {
		loaded, err := environment.LoadFile(s.cfg.EnvironmentsFile)
		if err != nil {
			return nil, err
		}
		descriptors = loaded
	}

	hasDefault := false
	for _, d := range descriptors {
		if d.ID == s.cfg.DefaultEnvironment {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		descriptors = append(descriptors, environment.Descriptor{
			ID:    s.cfg.DefaultEnvironment,
			Image: s.cfg.CoreImage,
		})
	}

	return environment.NewRegistry(descriptors)
}
