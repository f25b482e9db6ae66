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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GeneratePodName returns the unique pod name a session pod is created
// under: session-<compact timestamp>-<16 random bytes, hex>. The name
// doubles as the pod's routable handle, so it must never collide and
// has to stay a valid DNS-1123 subdomain, which rules out uppercase.
func GeneratePodName(now time.Time) string {
	suffix := make([]byte, 16)
	// rand.Read never fails on supported platforms
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("session-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(suffix))
}
