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

package session

import (
	"time"

	"github.com/spacechunks/sessionpool/gateway/directory"
)

// Session is the binding between a client identity and one pod. It is
// not persisted anywhere in the gateway, clients carry it in a signed
// token and present it on every request.
type Session struct {
	ID          string
	PodID       string
	Environment string
	CreatedAt   time.Time
}

// Bound reports whether the session already owns a pod.
func (s Session) Bound() bool {
	return s.PodID != ""
}

// Descriptor is the client-visible view of a session's pod: a thin
// projection of the pod record plus the routing address. Address is
// empty while the pod has none yet.
type Descriptor struct {
	ID              string          `json:"id"`
	Address         string          `json:"address,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Phase           directory.Phase `json:"phase"`
	PendingPosition int             `json:"pendingPosition"`
}

// ProxyResponse carries the raw upstream answer back to the gateway's
// HTTP layer.
type ProxyResponse struct {
	StatusCode int
	Body       []byte
}
