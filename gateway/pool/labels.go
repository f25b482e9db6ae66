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

import "github.com/spacechunks/sessionpool/gateway/directory"

// Stage is the pool lifecycle position of a pod, persisted as its pool
// label: spawning -> standby -> claimed -> acquired -> session, with
// spawned as the alternate entry for pods created past the pool.
type Stage string

const (
	StageStandby  Stage = "standby"
	StageClaimed  Stage = "claimed"
	StageAcquired Stage = "acquired"
	StageSpawned  Stage = "spawned"
	StageSession  Stage = "session"
)

func SessionSelector() string {
	return directory.LabelType + "=" + directory.TypeSession
}

func StandbySelector() string {
	return SessionSelector() + "," + directory.LabelPool + "=" + string(StageStandby)
}

// PoolLabels returns the label set stamped onto a freshly spawned pod.
func PoolLabels(stage Stage, env string) map[string]string {
	return map[string]string{
		directory.LabelType:        directory.TypeSession,
		directory.LabelPool:        string(stage),
		directory.LabelEnvironment: env,
	}
}
