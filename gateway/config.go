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

import "time"

type Config struct {
	ListenAddr           string
	Kubeconfig           string
	Namespace            string
	OwnerID              string
	CoreImage            string
	DefaultEnvironment   string
	EnvironmentsFile     string
	ContainerPort        int
	DefaultCPUMillis     int64
	DefaultMemoryGiB     float64
	TargetPoolSize       int
	StandbyFillInterval  time.Duration
	CleanInterval        time.Duration
	PodStaleTimeout      time.Duration
	AffinityWeight       int
	CacheRefreshInterval time.Duration
	AcquireRetryLimit    int
	ProxyTimeout         time.Duration
	SessionSigningKey    string
	SessionTokenIssuer   string
	SessionTokenExpiry   time.Duration
}
