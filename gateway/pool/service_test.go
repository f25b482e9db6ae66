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

package pool_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/spacechunks/sessionpool/gateway/cluster"
	"github.com/spacechunks/sessionpool/gateway/directory"
	"github.com/spacechunks/sessionpool/gateway/environment"
	apierrs "github.com/spacechunks/sessionpool/gateway/errors"
	"github.com/spacechunks/sessionpool/gateway/pool"
	"github.com/spacechunks/sessionpool/gateway/resource"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	k8serrs "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const (
	namespace = "sessionpool"
	ownerID   = "gw-1"
)

func stagePod(name string, stage pool.Stage, phase corev1.PodPhase, created time.Time) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				directory.LabelType:        directory.TypeSession,
				directory.LabelPool:        string(stage),
				directory.LabelEnvironment: "core",
			},
			CreationTimestamp: metav1.NewTime(created),
		},
		Status: corev1.PodStatus{
			Phase: phase,
		},
	}
}

func newService(t *testing.T, cfg pool.Config, objs ...runtime.Object) (pool.Service, *fake.Clientset) {
	t.Helper()

	clientset := fake.NewSimpleClientset(objs...)

	envs, err := environment.NewRegistry([]environment.Descriptor{
		{ID: "core", Image: "example.com/core:1"},
	})
	require.NoError(t, err)

	var (
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		pods   = cluster.NewPodClient(clientset, namespace)
		dir    = directory.NewService(logger, pods, 0)
		policy = resource.NewPolicy(resource.Defaults{
			RequestCPUMillis: 500,
			RequestMemoryGiB: 1,
			LimitCPUMillis:   1000,
			LimitMemoryGiB:   2,
		})
	)

	return pool.NewService(logger, cfg, pods, dir, envs, policy), clientset
}

func defaultConfig() pool.Config {
	return pool.Config{
		OwnerID:            ownerID,
		DefaultEnvironment: "core",
		TargetPoolSize:     3,
		AcquireRetryLimit:  1,
		AffinityWeight:     50,
		ContainerPort:      8080,
		PodStaleTimeout:    30 * time.Minute,
	}
}

func conflict() error {
	return k8serrs.NewConflict(
		schema.GroupResource{Resource: "pods"},
		"pod",
		errors.New("object has been modified"),
	)
}

func TestAcquireClaimsStandbyPod(t *testing.T) {
	svc, clientset := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageStandby, corev1.PodRunning, time.Now()),
	)

	rec, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pod-a", rec.ID)

	pod, err := clientset.CoreV1().Pods(namespace).Get(context.Background(), "pod-a", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, string(pool.StageAcquired), pod.Labels[directory.LabelPool])
	require.Equal(t, ownerID, pod.Labels[directory.LabelClaimer])
	require.Equal(t, ownerID, pod.Labels[directory.LabelAcquirer])
}

func TestAcquireRetriesLostRace(t *testing.T) {
	svc, clientset := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageStandby, corev1.PodRunning, time.Now()),
	)

	// the first claim attempt is rejected with a conflict, the retry
	// goes through.
	updates := 0
	clientset.PrependReactor("update", "pods",
		func(action k8stesting.Action) (bool, runtime.Object, error) {
			updates++
			if updates == 1 {
				return true, nil, conflict()
			}
			return false, nil, nil
		})

	rec, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pod-a", rec.ID)

	pod, err := clientset.CoreV1().Pods(namespace).Get(context.Background(), "pod-a", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, string(pool.StageAcquired), pod.Labels[directory.LabelPool])
}

func TestAcquirePoolExhausted(t *testing.T) {
	svc, clientset := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageStandby, corev1.PodRunning, time.Now()),
	)

	clientset.PrependReactor("update", "pods",
		func(action k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, conflict()
		})

	_, err := svc.Acquire(context.Background())
	require.ErrorIs(t, err, apierrs.ErrPoolExhausted)
}

func TestAcquireSpawnsOnEmptyPool(t *testing.T) {
	svc, _ := newService(t, defaultConfig())

	rec, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(pool.StageSpawned), rec.Stage)
	require.Equal(t, "core", rec.Environment)
}

func TestAcquireIgnoresPendingStandbyPods(t *testing.T) {
	// a pending standby pod is not usable yet, the pool degrades to
	// spawning instead of handing it out.
	svc, _ := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageStandby, corev1.PodPending, time.Now()),
	)

	rec, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, "pod-a", rec.ID)
	require.Equal(t, string(pool.StageSpawned), rec.Stage)
}

func TestConcurrentAcquireWinnerTakeOne(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		stagePod("pod-a", pool.StageStandby, corev1.PodRunning, time.Now()),
	)

	// the fake clientset does not enforce resourceVersion conflicts,
	// emulate them: the first replica to touch a pod owns it, updates
	// carrying a different claimer are rejected.
	var (
		mu       sync.Mutex
		claimers = map[string]string{}
	)
	clientset.PrependReactor("update", "pods",
		func(action k8stesting.Action) (bool, runtime.Object, error) {
			pod := action.(k8stesting.UpdateAction).GetObject().(*corev1.Pod)

			mu.Lock()
			defer mu.Unlock()
			owner, ok := claimers[pod.Name]
			if !ok {
				claimers[pod.Name] = pod.Labels[directory.LabelClaimer]
				return false, nil, nil
			}
			if owner != pod.Labels[directory.LabelClaimer] {
				return true, nil, conflict()
			}
			return false, nil, nil
		})

	envs, err := environment.NewRegistry([]environment.Descriptor{
		{ID: "core", Image: "example.com/core:1"},
	})
	require.NoError(t, err)

	newReplica := func(owner string) pool.Service {
		cfg := defaultConfig()
		cfg.OwnerID = owner

		var (
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			pods   = cluster.NewPodClient(clientset, namespace)
			dir    = directory.NewService(logger, pods, 0)
		)
		return pool.NewService(logger, cfg, pods, dir, envs, resource.NewPolicy(resource.Defaults{}))
	}

	var (
		wg   sync.WaitGroup
		recs = make([]string, 2)
		errs = make([]error, 2)
	)
	for i, owner := range []string{"gw-1", "gw-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := newReplica(owner).Acquire(context.Background())
			recs[i], errs[i] = rec.ID, err
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// exactly one replica may win the standby pod, the loser has to end
	// up on a different, freshly spawned one.
	require.NotEqual(t, recs[0], recs[1])
}

func TestSpawnUnknownEnvironment(t *testing.T) {
	svc, clientset := newService(t, defaultConfig())

	_, err := svc.Spawn(context.Background(), "does-not-exist", pool.StageSpawned, resource.Request{})
	require.ErrorIs(t, err, apierrs.ErrUnknownEnvironment)
	require.Empty(t, clientset.Actions())
}

func TestSpawnPodShape(t *testing.T) {
	svc, clientset := newService(t, defaultConfig())

	rec, err := svc.Spawn(context.Background(), "core", pool.StageStandby, resource.Request{
		CPUShares: 512,
	})
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^session-\d{8}-\d{6}-[0-9a-f]{32}$`), rec.ID)

	pod, err := clientset.CoreV1().Pods(namespace).Get(context.Background(), rec.ID, metav1.GetOptions{})
	require.NoError(t, err)

	require.Equal(t, directory.TypeSession, pod.Labels[directory.LabelType])
	require.Equal(t, string(pool.StageStandby), pod.Labels[directory.LabelPool])
	require.Equal(t, "core", pod.Labels[directory.LabelEnvironment])

	require.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	require.NotNil(t, pod.Spec.AutomountServiceAccountToken)
	require.False(t, *pod.Spec.AutomountServiceAccountToken)
	require.NotNil(t, pod.Spec.SecurityContext.RunAsNonRoot)
	require.True(t, *pod.Spec.SecurityContext.RunAsNonRoot)

	require.Len(t, pod.Spec.Containers, 1)
	ctr := pod.Spec.Containers[0]
	require.Equal(t, "session", ctr.Name)
	require.Equal(t, "example.com/core:1", ctr.Image)
	require.Equal(t, int32(8080), ctr.Ports[0].ContainerPort)
	require.Equal(t, int64(500), ctr.Resources.Limits.Cpu().MilliValue())
	require.Equal(t, int64(2<<30), ctr.Resources.Limits.Memory().Value())

	require.NotNil(t, pod.Spec.Affinity)
	terms := pod.Spec.Affinity.PodAffinity.PreferredDuringSchedulingIgnoredDuringExecution
	require.Len(t, terms, 1)
	require.Equal(t, int32(50), terms[0].Weight)
	require.Equal(t, "kubernetes.io/hostname", terms[0].PodAffinityTerm.TopologyKey)
}

func TestSpawnWithoutAffinity(t *testing.T) {
	cfg := defaultConfig()
	cfg.AffinityWeight = 0

	svc, clientset := newService(t, cfg)

	rec, err := svc.Spawn(context.Background(), "core", pool.StageStandby, resource.Request{})
	require.NoError(t, err)

	pod, err := clientset.CoreV1().Pods(namespace).Get(context.Background(), rec.ID, metav1.GetOptions{})
	require.NoError(t, err)
	require.Nil(t, pod.Spec.Affinity)
}

func TestBind(t *testing.T) {
	svc, clientset := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageAcquired, corev1.PodRunning, time.Now()),
	)

	require.NoError(t, svc.Bind(context.Background(), "pod-a"))

	pod, err := clientset.CoreV1().Pods(namespace).Get(context.Background(), "pod-a", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, string(pool.StageSession), pod.Labels[directory.LabelPool])
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		pod  *corev1.Pod
		addr string
		err  error
	}{
		{
			name: "running pod with address",
			pod: func() *corev1.Pod {
				p := stagePod("pod-a", pool.StageSession, corev1.PodRunning, time.Now())
				p.Status.PodIP = "10.0.0.7"
				p.Spec.Containers = []corev1.Container{
					{
						Name:  "session",
						Ports: []corev1.ContainerPort{{ContainerPort: 8080}},
					},
				}
				return p
			}(),
			addr: "http://10.0.0.7:8080",
		},
		{
			name: "pending pod is not ready",
			pod:  stagePod("pod-a", pool.StageSession, corev1.PodPending, time.Now()),
			err:  apierrs.ErrPodNotReady,
		},
		{
			name: "failed pod is gone",
			pod:  stagePod("pod-a", pool.StageSession, corev1.PodFailed, time.Now()),
			err:  apierrs.ErrPodFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t, defaultConfig(), tt.pod)

			addr, err := svc.Resolve(context.Background(), "pod-a")
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.addr, addr)
		})
	}
}

func TestFillTopsUpDeficit(t *testing.T) {
	svc, clientset := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageStandby, corev1.PodRunning, time.Now()),
	)

	require.NoError(t, svc.Fill(context.Background()))

	creates := 0
	for _, action := range clientset.Actions() {
		if action.Matches("create", "pods") {
			creates++
		}
	}
	require.Equal(t, 2, creates)
}

func TestFillSkipsFullPool(t *testing.T) {
	svc, clientset := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageStandby, corev1.PodRunning, time.Now()),
		stagePod("pod-b", pool.StageStandby, corev1.PodRunning, time.Now()),
		stagePod("pod-c", pool.StageStandby, corev1.PodPending, time.Now()),
	)

	require.NoError(t, svc.Fill(context.Background()))

	for _, action := range clientset.Actions() {
		require.False(t, action.Matches("create", "pods"))
	}
}

func TestClean(t *testing.T) {
	now := time.Now()

	svc, clientset := newService(t, defaultConfig(),
		// terminal, reap regardless of stage
		stagePod("pod-failed", pool.StageSession, corev1.PodFailed, now),
		// unbound and stale, reap
		stagePod("pod-stale", pool.StageStandby, corev1.PodRunning, now.Add(-time.Hour)),
		// unbound but fresh, keep
		stagePod("pod-fresh", pool.StageStandby, corev1.PodRunning, now),
		// session bound, keep no matter the age
		stagePod("pod-bound", pool.StageSession, corev1.PodRunning, now.Add(-time.Hour)),
	)

	require.NoError(t, svc.Clean(context.Background()))

	list, err := clientset.CoreV1().Pods(namespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)

	remaining := make([]string, 0, len(list.Items))
	for _, p := range list.Items {
		remaining = append(remaining, p.Name)
	}
	require.ElementsMatch(t, []string{"pod-fresh", "pod-bound"}, remaining)
}

func TestCleanCollectsDeleteFailures(t *testing.T) {
	now := time.Now()

	svc, clientset := newService(t, defaultConfig(),
		stagePod("pod-a", pool.StageSession, corev1.PodFailed, now),
		stagePod("pod-b", pool.StageSession, corev1.PodFailed, now),
	)

	clientset.PrependReactor("delete", "pods",
		func(action k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("boom")
		})

	err := svc.Clean(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "pod-a")
	require.Contains(t, err.Error(), "pod-b")
}
