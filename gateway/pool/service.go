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

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/spacechunks/sessionpool/gateway/cluster"
	"github.com/spacechunks/sessionpool/gateway/directory"
	"github.com/spacechunks/sessionpool/gateway/environment"
	apierrs "github.com/spacechunks/sessionpool/gateway/errors"
	"github.com/spacechunks/sessionpool/gateway/resource"
	"github.com/spacechunks/sessionpool/internal/ptr"
	corev1 "k8s.io/api/core/v1"
	k8serrs "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var errClaimLost = errors.New("pool: lost claim race")

type Config struct {
	// OwnerID identifies this gateway replica in the claimer and
	// acquirer labels. Replicas must not share an id.
	OwnerID            string
	DefaultEnvironment string
	TargetPoolSize     int
	AcquireRetryLimit  int
	AffinityWeight     int32
	ContainerPort      int32
	PodStaleTimeout    time.Duration
}

type Service interface {
	// Acquire hands exactly one standby pod to the caller. Multiple
	// gateway replicas may race for the same pod, losing a race is
	// resolved by retrying with a different candidate. An empty pool
	// degrades to spawning a dedicated pod on demand.
	Acquire(ctx context.Context) (directory.PodRecord, error)

	// Spawn creates a new pod for the given environment at the given
	// pool stage.
	Spawn(ctx context.Context, envID string, stage Stage, req resource.Request) (directory.PodRecord, error)

	// Bind marks a pod as owned by a session. Bound pods are never
	// reaped by the janitor while they run.
	Bind(ctx context.Context, podID string) error

	// Resolve turns a pod id into a routable base address.
	Resolve(ctx context.Context, podID string) (string, error)

	// Fill tops the standby pool up to its target size. One tick of
	// the fill loop.
	Fill(ctx context.Context) error

	// Clean deletes terminal and stale unbound pods. One tick of the
	// clean loop.
	Clean(ctx context.Context) error
}

type svc struct {
	logger *slog.Logger
	cfg    Config
	pods   cluster.PodClient
	dir    directory.Service
	envs   *environment.Registry
	policy resource.Policy
}

func NewService(
	logger *slog.Logger,
	cfg Config,
	pods cluster.PodClient,
	dir directory.Service,
	envs *environment.Registry,
	policy resource.Policy,
) Service {
	return &svc{
		logger: logger.With("component", "pool"),
		cfg:    cfg,
		pods:   pods,
		dir:    dir,
		envs:   envs,
		policy: policy,
	}
}

func (s *svc) Acquire(ctx context.Context) (directory.PodRecord, error) {
	var rec directory.PodRecord

	op := func() error {
		metricAcquireAttempts.Inc()

		cand, err := s.standbyCandidate(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		if cand == nil {
			// pool is empty, degrade to spawning on demand.
			spawned, err := s.Spawn(ctx, s.cfg.DefaultEnvironment, StageSpawned, resource.Request{})
			if err != nil {
				return backoff.Permanent(err)
			}
			rec = spawned
			return nil
		}

		won, err := s.claim(ctx, cand)
		if err != nil {
			return backoff.Permanent(err)
		}
		if won == nil {
			metricAcquireRacesLost.Inc()
			s.logger.InfoContext(ctx, "lost claim race, retrying", "pod_id", cand.Name)
			return errClaimLost
		}

		rec = directory.Parse(won)
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.AcquireRetryLimit)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, errClaimLost) {
			metricPoolExhausted.Inc()
			return directory.PodRecord{}, apierrs.ErrPoolExhausted
		}
		return directory.PodRecord{}, err
	}

	return rec, nil
}

// standbyCandidate returns the first listed running standby pod, or nil
// if none exists. The listing order is arbitrary but first-listed wins,
// no further ranking is applied.
func (s *svc) standbyCandidate(ctx context.Context) (*corev1.Pod, error) {
	pods, err := s.pods.List(ctx, StandbySelector())
	if err != nil {
		return nil, fmt.Errorf("list standby pods: %w", err)
	}

	for i := range pods {
		if pods[i].Status.Phase == corev1.PodRunning {
			return &pods[i], nil
		}
	}
	return nil, nil
}

// claim performs the two-phase ownership transition standby -> claimed
// -> acquired. Both writes are conditional updates: the control plane
// rejects them with a conflict when another replica touched the pod
// in between, which is how a lost race is detected. Returns the
// acquired pod, or nil if the race was lost.
func (s *svc) claim(ctx context.Context, cand *corev1.Pod) (*corev1.Pod, error) {
	claiming := cand.DeepCopy()
	claiming.Labels[directory.LabelPool] = string(StageClaimed)
	claiming.Labels[directory.LabelClaimer] = s.cfg.OwnerID

	claimed, err := s.pods.Update(ctx, claiming)
	if err != nil {
		if k8serrs.IsConflict(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pod: %w", err)
	}

	acquiring := claimed.DeepCopy()
	acquiring.Labels[directory.LabelPool] = string(StageAcquired)
	acquiring.Labels[directory.LabelAcquirer] = s.cfg.OwnerID

	acquired, err := s.pods.Update(ctx, acquiring)
	if err != nil {
		if k8serrs.IsConflict(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire pod: %w", err)
	}

	return acquired, nil
}

func (s *svc) Spawn(
	ctx context.Context,
	envID string,
	stage Stage,
	req resource.Request,
) (directory.PodRecord, error) {
	env, err := s.envs.Resolve(envID)
	if err != nil {
		return directory.PodRecord{}, err
	}

	created, err := s.pods.Create(ctx, s.buildPod(env, stage, s.policy.Derive(req)))
	if err != nil {
		return directory.PodRecord{}, fmt.Errorf("%w: %v", apierrs.ErrSpawnFailed, err)
	}

	metricSpawnsTotal.WithLabelValues(string(stage)).Inc()
	s.logger.InfoContext(ctx, "spawned pod", "pod_id", created.Name, "environment", env.ID, "stage", stage)

	return directory.Parse(created), nil
}

func (s *svc) buildPod(env environment.Descriptor, stage Stage, spec resource.Spec) *corev1.Pod {
	envVars := make([]corev1.EnvVar, 0, len(env.Env))
	for k, v := range env.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   GeneratePodName(time.Now()),
			Labels: PoolLabels(stage, env.ID),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			// session pods run untrusted workloads and must never be
			// able to call the control plane themselves.
			AutomountServiceAccountToken: ptr.Pointer(false),
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: ptr.Pointer(true),
			},
			Containers: []corev1.Container{
				{
					Name:            "session",
					Image:           env.Image,
					Command:         env.Command,
					ImagePullPolicy: corev1.PullPolicy(env.PullPolicy),
					Env:             envVars,
					Ports: []corev1.ContainerPort{
						{ContainerPort: s.cfg.ContainerPort},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    spec.RequestCPU,
							corev1.ResourceMemory: spec.RequestMemory,
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    spec.LimitCPU,
							corev1.ResourceMemory: spec.LimitMemory,
						},
					},
				},
			},
		},
	}

	if s.cfg.AffinityWeight > 0 {
		pod.Spec.Affinity = s.sessionAffinity()
	}

	return pod
}

// sessionAffinity prefers scheduling next to other session pods on the
// same host. Soft only, the scheduler may ignore it under pressure.
func (s *svc) sessionAffinity() *corev1.Affinity {
	return &corev1.Affinity{
		PodAffinity: &corev1.PodAffinity{
			PreferredDuringSchedulingIgnoredDuringExecution: []corev1.WeightedPodAffinityTerm{
				{
					Weight: s.cfg.AffinityWeight,
					PodAffinityTerm: corev1.PodAffinityTerm{
						LabelSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{
								directory.LabelType: directory.TypeSession,
							},
						},
						TopologyKey: "kubernetes.io/hostname",
					},
				},
			},
		},
	}
}

func (s *svc) Bind(ctx context.Context, podID string) error {
	if _, err := s.pods.PatchLabels(ctx, podID, map[string]string{
		directory.LabelPool: string(StageSession),
	}); err != nil {
		return fmt.Errorf("bind pod: %w", err)
	}
	return nil
}

func (s *svc) Resolve(ctx context.Context, podID string) (string, error) {
	rec, err := s.dir.Get(ctx, podID)
	if err != nil {
		return "", err
	}

	if rec.IP != "" && rec.Port != 0 {
		return fmt.Sprintf("http://%s:%d", rec.IP, rec.Port), nil
	}

	// pending pods (and running pods that have no address yet) just
	// need more time, the caller owns the polling policy.
	if rec.Phase == directory.PhasePending || rec.Phase == directory.PhaseRunning {
		return "", fmt.Errorf("%w: %s", apierrs.ErrPodNotReady, podID)
	}

	return "", fmt.Errorf("%w: %s is %s", apierrs.ErrPodFailed, podID, rec.Phase)
}

func (s *svc) Fill(ctx context.Context) error {
	pods, err := s.pods.List(ctx, StandbySelector())
	if err != nil {
		return fmt.Errorf("list standby pods: %w", err)
	}

	usable := 0
	for i := range pods {
		if !directory.Parse(&pods[i]).Phase.Terminal() {
			usable++
		}
	}
	metricStandbyPods.Set(float64(usable))

	deficit := s.cfg.TargetPoolSize - usable
	if deficit <= 0 {
		return nil
	}

	s.logger.InfoContext(ctx, "filling standby pool", "usable", usable, "deficit", deficit)

	for i := 0; i < deficit; i++ {
		if _, err := s.Spawn(ctx, s.cfg.DefaultEnvironment, StageStandby, resource.Request{}); err != nil {
			// a failed spawn must not starve the remaining deficit,
			// the next tick picks up whatever is still missing.
			s.logger.ErrorContext(ctx, "standby spawn failed", "err", err)
		}
	}

	return nil
}

func (s *svc) Clean(ctx context.Context) error {
	pods, err := s.pods.List(ctx, SessionSelector())
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}

	var (
		merr *multierror.Error
		now  = time.Now()
	)
	for i := range pods {
		rec := directory.Parse(&pods[i])
		if !s.reapable(rec, now) {
			continue
		}

		if err := s.pods.Delete(ctx, rec.ID); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("delete %s: %w", rec.ID, err))
			continue
		}

		metricCleanedPods.Inc()
		s.logger.InfoContext(ctx, "cleaned up pod", "pod_id", rec.ID, "phase", rec.Phase, "stage", rec.Stage)
	}

	return merr.ErrorOrNil()
}

// reapable is true for pods in a terminal phase and for pods that were
// never bound to a session but exceeded the stale timeout. Session
// bound pods are left alone until they terminate on their own.
func (s *svc) reapable(rec directory.PodRecord, now time.Time) bool {
	if rec.Phase.Terminal() {
		return true
	}
	return rec.Stage != string(StageSession) && now.Sub(rec.CreatedAt) > s.cfg.PodStaleTimeout
}
