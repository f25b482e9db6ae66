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
	"context"
	"log/slog"
	"time"
)

// Loop periodically runs one pool maintenance function until stopped.
// It is self-healing: a failing or panicking tick is logged and the
// next tick runs regardless.
type Loop struct {
	logger *slog.Logger
	fn     func(context.Context) error
	ticker *time.Ticker
	stop   chan bool
}

// NewFiller returns the loop that keeps the standby pool at its target
// size.
func NewFiller(logger *slog.Logger, svc Service, interval time.Duration) *Loop {
	return newLoop(logger.With("component", "filler"), svc.Fill, interval)
}

// NewJanitor returns the loop that removes terminal and stale pods.
func NewJanitor(logger *slog.Logger, svc Service, interval time.Duration) *Loop {
	return newLoop(logger.With("component", "janitor"), svc.Clean, interval)
}

func newLoop(logger *slog.Logger, fn func(context.Context) error, interval time.Duration) *Loop {
	return &Loop{
		logger: logger,
		fn:     fn,
		ticker: time.NewTicker(interval),
		stop:   make(chan bool),
	}
}

func (l *Loop) Start(ctx context.Context) {
	for {
		select {
		case <-l.ticker.C:
			l.tick(ctx)
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) Stop() {
	l.ticker.Stop()
	l.stop <- true
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "tick panicked", "panic", r)
		}
	}()

	if err := l.fn(ctx); err != nil {
		l.logger.ErrorContext(ctx, "tick failed", "err", err)
	}
}
