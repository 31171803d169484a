/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TargetState is the lifecycle state of a Target.
type TargetState int

// Target states, in lifecycle order.
const (
	TargetDiscovered TargetState = iota
	TargetAttaching
	TargetAvailable
	TargetGone
)

func (s TargetState) String() string {
	switch s {
	case TargetDiscovered:
		return "discovered"
	case TargetAttaching:
		return "attaching"
	case TargetAvailable:
		return "available"
	case TargetGone:
		return "gone"
	}
	return fmt.Sprintf("TargetState(%d)", int(s))
}

// TargetInitializer prepares an attached target before it becomes
// available, e.g. by enabling protocol domains on its session.
type TargetInitializer func(ctx context.Context, t *Target) error

// Target is a remote debuggable entity such as a page, a worker or an
// out-of-process iframe.
type Target struct {
	mu           sync.RWMutex
	info         target.Info
	session      *Session
	parent       *Target
	state        TargetState
	initializers []TargetInitializer
}

func newTarget(info *target.Info, s *Session, parent *Target) *Target {
	return &Target{
		info:    *info,
		session: s,
		parent:  parent,
		state:   TargetAttaching,
	}
}

// ID returns the target id.
func (t *Target) ID() target.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.TargetID
}

// Type returns the target type, e.g. "page" or "service_worker".
func (t *Target) Type() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.Type
}

// URL returns the last known URL of the target.
func (t *Target) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.URL
}

// Info returns a copy of the last known target info.
func (t *Target) Info() target.Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

// Session returns the session attached to the target.
func (t *Target) Session() *Session {
	return t.session
}

// Parent returns the target through whose session this one was attached,
// or nil for targets attached at browser level.
func (t *Target) Parent() *Target {
	return t.parent
}

// State returns the lifecycle state of the target.
func (t *Target) State() TargetState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// AddInitializer registers fn to run before the target becomes available.
// Initializers added after that point are ignored.
func (t *Target) AddInitializer(fn TargetInitializer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TargetAttaching {
		return
	}
	t.initializers = append(t.initializers, fn)
}

func (t *Target) setInfo(info *target.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info = *info
}

func (t *Target) setState(s TargetState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Target) runInitializers(ctx context.Context) error {
	t.mu.RLock()
	inits := append([]TargetInitializer(nil), t.initializers...)
	t.mu.RUnlock()

	for _, fn := range inits {
		if err := fn(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
