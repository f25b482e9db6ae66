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
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	apierrs "github.com/spacechunks/sessionpool/gateway/errors"
)

const (
	claimSessionID   = "session_id"
	claimPodID       = "pod_id"
	claimEnvironment = "environment"
	claimCreatedAt   = "created_at"
)

// TokenCodec signs sessions into client-held tokens and verifies them
// back. The token is the only place a session lives, the gateway keeps
// no session state of its own.
type TokenCodec struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

func NewTokenCodec(key []byte, issuer string, ttl time.Duration) TokenCodec {
	return TokenCodec{
		key:    key,
		issuer: issuer,
		ttl:    ttl,
	}
}

func (c TokenCodec) Sign(sess Session) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		IssuedAt(now).
		Issuer(c.issuer).
		Expiration(now.Add(c.ttl)).
		Claim(claimSessionID, sess.ID).
		Claim(claimPodID, sess.PodID).
		Claim(claimEnvironment, sess.Environment).
		Claim(claimCreatedAt, sess.CreatedAt.UTC().Format(time.RFC3339)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), c.key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return string(signed), nil
}

func (c TokenCodec) Parse(raw string) (Session, error) {
	tok, err := jwt.Parse(
		[]byte(raw),
		jwt.WithKey(jwa.HS256(), c.key),
		jwt.WithIssuer(c.issuer),
		jwt.WithValidate(true),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", apierrs.ErrInvalidSession, err)
	}

	var (
		sess      Session
		createdAt string
	)
	for claim, dst := range map[string]*string{
		claimSessionID:   &sess.ID,
		claimPodID:       &sess.PodID,
		claimEnvironment: &sess.Environment,
		claimCreatedAt:   &createdAt,
	} {
		if err := tok.Get(claim, dst); err != nil {
			return Session{}, fmt.Errorf("%w: missing %s claim", apierrs.ErrInvalidSession, claim)
		}
	}

	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Session{}, fmt.Errorf("%w: malformed %s claim", apierrs.ErrInvalidSession, claimCreatedAt)
	}
	sess.CreatedAt = ts

	return sess, nil
}
