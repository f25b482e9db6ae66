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

package errors

import "net/http"

/*
 * directory related errors
 */

var (
	ErrDirectoryUnavailable = New(http.StatusBadGateway, "pod directory is unavailable")
	ErrPodNotFound          = New(http.StatusNotFound, "pod does not exist")
)

/*
 * pool related errors
 */

var (
	ErrUnknownEnvironment = New(http.StatusBadRequest, "environment is not registered")
	ErrPoolExhausted      = New(http.StatusServiceUnavailable, "no standby pod could be acquired")
	ErrSpawnFailed        = New(http.StatusBadGateway, "control plane rejected pod creation")
	ErrPodNotReady        = New(http.StatusConflict, "pod is not ready yet")
	ErrPodFailed          = New(http.StatusGone, "pod reached a terminal phase")
)

/*
 * session related errors
 */

var (
	ErrUpstreamUnavailable = New(http.StatusBadGateway, "session pod address could not be resolved")
	ErrProxyFailed         = New(http.StatusBadGateway, "request to session pod failed")
	ErrInvalidSession      = New(http.StatusUnauthorized, "session token is invalid")
)

type Error struct {
	Message string
	Code    int
}

func (e Error) Error() string {
	return e.Message
}

// HTTPStatus returns the status code the gateway responds with
// when this error reaches the request path boundary.
func (e Error) HTTPStatus() int {
	if e.Code == 0 {
		return http.StatusInternalServerError
	}
	return e.Code
}

func New(code int, msg string) Error {
	return Error{
		Message: msg,
		Code:    code,
	}
}
