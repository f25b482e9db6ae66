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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStandbyPods = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessionpool",
			Name:      "standby_pods",
			Help:      "Number of usable pods currently in the standby pool",
		},
	)

	metricSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionpool",
			Name:      "spawns_total",
			Help:      "Pods created, partitioned by entry stage",
		},
		[]string{"stage"},
	)

	metricAcquireAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionpool",
			Name:      "acquire_attempts_total",
			Help:      "Acquire attempts including claim retries",
		},
	)

	metricAcquireRacesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionpool",
			Name:      "acquire_races_lost_total",
			Help:      "Claims lost to a concurrent gateway replica",
		},
	)

	metricPoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionpool",
			Name:      "pool_exhausted_total",
			Help:      "Acquire calls that hit the retry ceiling",
		},
	)

	metricCleanedPods = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionpool",
			Name:      "cleaned_pods_total",
			Help:      "Pods deleted by the janitor",
		},
	)
)
