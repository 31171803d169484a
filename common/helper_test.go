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
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"
)

// fakeSession records the commands sent through it and lets tests emit
// events as if they came from the browser.
type fakeSession struct {
	em BaseEventEmitter

	id       target.SessionID
	targetID target.ID
	done     chan struct{}

	mu       sync.Mutex
	cdpCalls []string
	params   []easyjson.Marshaler
	errs     map[string]error
}

var _ session = &fakeSession{}

func newFakeSession() *fakeSession {
	return &fakeSession{
		id:       "1234",
		targetID: "T1234",
		done:     make(chan struct{}),
		errs:     make(map[string]error),
	}
}

// Execute implements the cdp.Executor interface to record calls made to it and
// allow assertions in tests.
func (s *fakeSession) Execute(
	_ context.Context, method string, params easyjson.Marshaler, _ easyjson.Unmarshaler,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cdpCalls = append(s.cdpCalls, method)
	s.params = append(s.params, params)
	return s.errs[method]
}

func (s *fakeSession) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return s.Execute(ctx, method, params, res)
}

func (s *fakeSession) Subscribe(events []string, fn func(Event)) *Subscription {
	return s.em.Subscribe(events, fn)
}

func (s *fakeSession) SubscribeAll(fn func(Event)) *Subscription {
	return s.em.SubscribeAll(fn)
}

func (s *fakeSession) Unsubscribe(sub *Subscription) bool {
	return s.em.Unsubscribe(sub)
}

func (s *fakeSession) emit(event string, data any) {
	s.em.emit(event, data)
}

func (s *fakeSession) ID() target.SessionID  { return s.id }
func (s *fakeSession) TargetID() target.ID   { return s.targetID }
func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) failWith(method string, err error) {
	s.mu.Lock()
	s.errs[method] = err
	s.mu.Unlock()
}

func (s *fakeSession) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.cdpCalls))
	copy(out, s.cdpCalls)
	return out
}

// callsOf returns the recorded calls of the given methods, in order.
func (s *fakeSession) callsOf(methods ...string) []string {
	var out []string
	for _, c := range s.calls() {
		for _, m := range methods {
			if c == m {
				out = append(out, c)
			}
		}
	}
	return out
}

// lastParams returns the parameters of the last call of method.
func (s *fakeSession) lastParams(method string) easyjson.Marshaler {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.cdpCalls) - 1; i >= 0; i-- {
		if s.cdpCalls[i] == method {
			return s.params[i]
		}
	}
	return nil
}

// waitForCall waits until method was called n times.
func waitForCall(t *testing.T, s *fakeSession, method string, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(s.callsOf(method)) >= n
	}, 5*time.Second, time.Millisecond, "waiting for %d call(s) of %s, got %v", n, method, s.calls())
}
