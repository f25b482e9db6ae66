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
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Label keys carried by every session pod. The pool/owner pair is the
// only persisted coordination state, it lives in the control plane so
// any gateway replica can observe and act on it.
const (
	LabelType        = "type"
	LabelPool        = "pool"
	LabelClaimer     = "claimer"
	LabelAcquirer    = "acquirer"
	LabelEnvironment = "environment"

	TypeSession = "session"
)

type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// Terminal reports whether a pod in this phase will never run again.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// PodRecord is the directory's uniform view of one session pod.
// Records are immutable once parsed, refreshing means re-listing.
type PodRecord struct {
	ID          string
	IP          string
	Port        int32
	CreatedAt   time.Time
	Phase       Phase
	Stage       string
	Environment string

	// PendingPosition is the 0-based rank of this pod among all
	// currently pending pods, ordered by creation time ascending.
	// -1 for pods that are not pending.
	PendingPosition int
}

// Snapshot holds one wholesale refresh of the directory. Readers get the
// struct by value, the backing map is never mutated after the refresh
// that produced it.
type Snapshot struct {
	Records   map[string]PodRecord
	FetchedAt time.Time
}

// Parse converts a control plane pod description into a PodRecord.
// The pending rank is not known for a single pod, it is assigned
// during a full refresh.
func Parse(pod *corev1.Pod) PodRecord {
	rec := PodRecord{
		ID:              pod.Name,
		IP:              pod.Status.PodIP,
		CreatedAt:       pod.CreationTimestamp.Time,
		Phase:           parsePhase(pod.Status.Phase),
		Stage:           pod.Labels[LabelPool],
		Environment:     pod.Labels[LabelEnvironment],
		PendingPosition: -1,
	}
	if len(pod.Spec.Containers) > 0 && len(pod.Spec.Containers[0].Ports) > 0 {
		rec.Port = pod.Spec.Containers[0].Ports[0].ContainerPort
	}
	return rec
}

func parsePhase(phase corev1.PodPhase) Phase {
	switch phase {
	case corev1.PodPending:
		return PhasePending
	case corev1.PodRunning:
		return PhaseRunning
	case corev1.PodSucceeded:
		return PhaseSucceeded
	case corev1.PodFailed:
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}
