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

package resource_test

import (
	"testing"

	"github.com/spacechunks/sessionpool/gateway/resource"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	policy := resource.NewPolicy(resource.Defaults{
		RequestCPUMillis: 500,
		RequestMemoryGiB: 1,
		LimitCPUMillis:   1000,
		LimitMemoryGiB:   2,
	})

	tests := []struct {
		name             string
		req              resource.Request
		requestCPUMillis int64
		limitCPUMillis   int64
		requestMemBytes  int64
		limitMemBytes    int64
	}{
		{
			name:             "empty request falls through to defaults",
			req:              resource.Request{},
			requestCPUMillis: 500,
			limitCPUMillis:   1000,
			requestMemBytes:  1 << 30,
			limitMemBytes:    2 << 30,
		},
		{
			name: "cpu shares map to millicores",
			req: resource.Request{
				CPUShares: 512,
			},
			requestCPUMillis: 500,
			limitCPUMillis:   500,
			requestMemBytes:  1 << 30,
			limitMemBytes:    2 << 30,
		},
		{
			name: "memory values override defaults",
			req: resource.Request{
				RAMReservationGiB: 0.5,
				RAMLimitGiB:       4,
			},
			requestCPUMillis: 500,
			limitCPUMillis:   1000,
			requestMemBytes:  1 << 29,
			limitMemBytes:    4 << 30,
		},
		{
			name: "negative values count as absent",
			req: resource.Request{
				CPUShares:         -100,
				RAMReservationGiB: -1,
				RAMLimitGiB:       -1,
			},
			requestCPUMillis: 500,
			limitCPUMillis:   1000,
			requestMemBytes:  1 << 30,
			limitMemBytes:    2 << 30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := policy.Derive(tt.req)
			require.Equal(t, tt.requestCPUMillis, spec.RequestCPU.MilliValue())
			require.Equal(t, tt.limitCPUMillis, spec.LimitCPU.MilliValue())
			require.Equal(t, tt.requestMemBytes, spec.RequestMemory.Value())
			require.Equal(t, tt.limitMemBytes, spec.LimitMemory.Value())
		})
	}
}
