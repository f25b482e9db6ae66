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

package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spacechunks/sessionpool/gateway/cluster"
	apierrs "github.com/spacechunks/sessionpool/gateway/errors"
	"golang.org/x/sync/singleflight"
	k8serrs "k8s.io/apimachinery/pkg/api/errors"
)

type Service interface {
	// List returns the current directory snapshot. A fresh cache
	// (age <= refresh interval) is returned without a control plane
	// call, otherwise the cache is replaced wholesale.
	List(ctx context.Context) (Snapshot, error)

	// Get resolves a single pod by id. Misses in the snapshot fall
	// back to a direct fetch, because a pod can exist before it
	// satisfies the list selector.
	Get(ctx context.Context, id string) (PodRecord, error)
}

type svc struct {
	logger          *slog.Logger
	pods            cluster.PodClient
	refreshInterval time.Duration

	// mu guards snap. refreshes go through group so concurrent
	// cache-miss callers collapse into one control plane call.
	mu    sync.RWMutex
	snap  Snapshot
	group singleflight.Group
}

func NewService(logger *slog.Logger, pods cluster.PodClient, refreshInterval time.Duration) Service {
	return &svc{
		logger:          logger.With("component", "directory"),
		pods:            pods,
		refreshInterval: refreshInterval,
	}
}

func (s *svc) List(ctx context.Context) (Snapshot, error) {
	if snap, ok := s.fresh(); ok {
		return snap, nil
	}

	res, err, _ := s.group.Do("refresh", func() (any, error) {
		// a caller that queued behind an in-flight refresh gets the
		// snapshot that refresh produced instead of forcing another.
		if snap, ok := s.fresh(); ok {
			return snap, nil
		}
		return s.refresh(ctx)
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", apierrs.ErrDirectoryUnavailable, err)
	}

	return res.(Snapshot), nil
}

func (s *svc) Get(ctx context.Context, id string) (PodRecord, error) {
	if snap, err := s.List(ctx); err == nil {
		if rec, ok := snap.Records[id]; ok {
			return rec, nil
		}
	} else {
		s.logger.WarnContext(ctx, "list failed, falling back to direct fetch", "pod_id", id, "err", err)
	}

	pod, err := s.pods.Get(ctx, id)
	if err != nil {
		if k8serrs.IsNotFound(err) {
			return PodRecord{}, fmt.Errorf("%w: %s", apierrs.ErrPodNotFound, id)
		}
		return PodRecord{}, fmt.Errorf("%w: %v", apierrs.ErrDirectoryUnavailable, err)
	}

	return Parse(pod), nil
}

func (s *svc) fresh() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.Records != nil && time.Since(s.snap.FetchedAt) <= s.refreshInterval {
		return s.snap, true
	}
	return Snapshot{}, false
}

func (s *svc) refresh(ctx context.Context) (Snapshot, error) {
	pods, err := s.pods.List(ctx, LabelType+"="+TypeSession)
	if err != nil {
		return Snapshot{}, err
	}

	records := make(map[string]PodRecord, len(pods))
	for i := range pods {
		rec := Parse(&pods[i])
		records[rec.ID] = rec
	}
	rankPending(records)

	snap := Snapshot{
		Records:   records,
		FetchedAt: time.Now(),
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "directory refreshed", "pods", len(records))
	return snap, nil
}

// rankPending assigns each pending pod its 0-based position among all
// pending pods, ordered by creation time ascending.
func rankPending(records map[string]PodRecord) {
	pending := make([]PodRecord, 0, len(records))
	for _, rec := range records {
		if rec.Phase == PhasePending {
			pending = append(pending, rec)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for pos, rec := range pending {
		rec.PendingPosition = pos
		records[rec.ID] = rec
	}
}
