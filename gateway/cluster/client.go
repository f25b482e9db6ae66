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

// Package cluster wraps the Kubernetes API in the handful of pod
// operations the gateway needs. Keeping the surface this small lets
// every consumer run against the fake clientset in tests.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

type PodClient interface {
	List(ctx context.Context, selector string) ([]corev1.Pod, error)
	Get(ctx context.Context, name string) (*corev1.Pod, error)
	Create(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)
	Update(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)
	PatchLabels(ctx context.Context, name string, labels map[string]string) (*corev1.Pod, error)
	Delete(ctx context.Context, name string) error
}

type podClient struct {
	clientset kubernetes.Interface
	namespace string
}

func NewPodClient(clientset kubernetes.Interface, namespace string) PodClient {
	return &podClient{
		clientset: clientset,
		namespace: namespace,
	}
}

func (c *podClient) List(ctx context.Context, selector string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	return list.Items, nil
}

func (c *podClient) Get(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get pod: %w", err)
	}
	return pod, nil
}

func (c *podClient) Create(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	created, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create pod: %w", err)
	}
	return created, nil
}

// Update replaces the pod object. The control plane rejects the update
// with a conflict if the pod changed since it was read, which is what
// the pool's claim protocol relies on.
func (c *podClient) Update(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	updated, err := c.clientset.CoreV1().Pods(c.namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if err != nil {
		return nil, fmt.Errorf("update pod: %w", err)
	}
	return updated, nil
}

// PatchLabels merges the given labels into the pod's metadata. Existing
// keys are overwritten, keys not present in labels are left untouched.
func (c *podClient) PatchLabels(ctx context.Context, name string, labels map[string]string) (*corev1.Pod, error) {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"labels": labels,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal label patch: %w", err)
	}

	pod, err := c.clientset.CoreV1().
		Pods(c.namespace).
		Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return nil, fmt.Errorf("patch pod labels: %w", err)
	}
	return pod, nil
}

func (c *podClient) Delete(ctx context.Context, name string) error {
	if err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("delete pod: %w", err)
	}
	return nil
}

// NewClientset connects to the cluster the gateway allocates pods on.
// An empty kubeconfig path means the gateway itself runs in-cluster.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build rest config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return clientset, nil
}
