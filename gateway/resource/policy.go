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

package resource

import (
	"k8s.io/apimachinery/pkg/api/resource"
)

// cpuShareScale is the number of shares that map to one full core.
const cpuShareScale = 1024

// Request is what a session declares about its resource needs. Zero or
// negative values count as absent and fall through to the defaults.
type Request struct {
	CPUShares         int64   `json:"cpuShares"`
	RAMReservationGiB float64 `json:"ramReservationGiB"`
	RAMLimitGiB       float64 `json:"ramLimitGiB"`
}

// Spec holds the concrete request/limit values handed to the control plane.
type Spec struct {
	RequestCPU    resource.Quantity
	RequestMemory resource.Quantity
	LimitCPU      resource.Quantity
	LimitMemory   resource.Quantity
}

// Defaults are the process-wide fallback values, fixed at startup.
type Defaults struct {
	RequestCPUMillis int64
	RequestMemoryGiB float64
	LimitCPUMillis   int64
	LimitMemoryGiB   float64
}

// Policy derives concrete resource specs from session requests.
// It is pure: no side effects, no failure mode, invalid input is
// treated as absent.
type Policy struct {
	defaults Defaults
}

func NewPolicy(defaults Defaults) Policy {
	return Policy{defaults: defaults}
}

func (p Policy) Derive(req Request) Spec {
	spec := Spec{
		RequestCPU:    millis(p.defaults.RequestCPUMillis),
		RequestMemory: gib(p.defaults.RequestMemoryGiB),
		LimitCPU:      millis(p.defaults.LimitCPUMillis),
		LimitMemory:   gib(p.defaults.LimitMemoryGiB),
	}

	// cpu shares are relative to 1024 per core, the control plane
	// wants millicores.
	if req.CPUShares > 0 {
		spec.LimitCPU = millis(req.CPUShares * 1000 / cpuShareScale)
	}

	if req.RAMReservationGiB > 0 {
		spec.RequestMemory = gib(req.RAMReservationGiB)
	}

	if req.RAMLimitGiB > 0 {
		spec.LimitMemory = gib(req.RAMLimitGiB)
	}

	return spec
}

func millis(m int64) resource.Quantity {
	return *resource.NewMilliQuantity(m, resource.DecimalSI)
}

func gib(g float64) resource.Quantity {
	return *resource.NewQuantity(int64(g*(1<<30)), resource.BinarySI)
}
