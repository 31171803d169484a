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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/browsercore/log"
)

// session is what the managers need from a CDP session. Both *Session and
// the browser session (*Connection) implement it.
type session interface {
	cdp.Executor
	EventEmitter
	ExecuteWithoutExpectationOnReply(context.Context, string, easyjson.Marshaler, easyjson.Unmarshaler) error
	ID() target.SessionID
	TargetID() target.ID
	Done() <-chan struct{}
}

// Ensure Session implements the EventEmitter and Executor interfaces
var (
	_ EventEmitter = &Session{}
	_ cdp.Executor = &Session{}
	_ session      = &Session{}
)

// Session represents a CDP session to a target.
type Session struct {
	BaseEventEmitter

	ctx      context.Context
	conn     *Connection
	id       target.SessionID
	targetID target.ID
	logger   *log.Logger
	queue    *messageQueue
	done     chan struct{}

	closed    atomic.Bool
	crashed   atomic.Bool
	closeOnce sync.Once

	// Guarded by conn.sessionsMu.
	parent   *Session
	children map[target.SessionID]*Session
}

// NewSession creates a new session and starts delivering its events.
func NewSession(
	ctx context.Context, conn *Connection, id target.SessionID, tid target.ID, parent *Session, logger *log.Logger,
) *Session {
	s := &Session{
		ctx:      ctx,
		conn:     conn,
		id:       id,
		targetID: tid,
		logger:   logger,
		queue:    newMessageQueue(),
		done:     make(chan struct{}),
		parent:   parent,
		children: make(map[target.SessionID]*Session),
	}
	go s.queue.run(s.dispatch, func() { s.emit(EventSessionClosed, nil) })

	return s
}

// ID returns the session id.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the id of the target the session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session is closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// close marks the session dead, fails its in-flight commands and emits
// EventSessionClosed after the events queued so far.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.conn.failSessionCalls(s.id)
		s.queue.close()
	})
}

func (s *Session) markAsCrashed() {
	s.crashed.Store(true)
}

func (s *Session) dispatch(msg *cdproto.Message) {
	dispatchEvent(&s.BaseEventEmitter, s.logger, msg)
}

func (s *Session) checkExecute(method string) error {
	// Certain methods aren't available to the user directly.
	if method == target.CommandCloseTarget {
		return errors.New("to close the target, cancel its context")
	}
	if s.closed.Load() {
		return newSessionClosedError(s.id)
	}
	if s.crashed.Load() {
		return ErrTargetCrashed
	}
	return nil
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if err := s.checkExecute(method); err != nil {
		return err
	}
	s.logger.Tracef("Session:Execute", "sid:%v tid:%v method:%q", s.id, s.targetID, method)

	err := s.conn.send(ctx, s.id, method, params, res, true)
	if err != nil && s.closed.Load() && errors.Is(err, ErrConnectionClosed) {
		return newSessionClosedError(s.id)
	}
	return err
}

// ExecuteWithoutExpectationOnReply sends a command without waiting for
// its response.
func (s *Session) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if err := s.checkExecute(method); err != nil {
		return err
	}
	return s.conn.send(ctx, s.id, method, params, res, false)
}

// Detach marks the session closed and asks the browser to detach from its
// target. Commands issued afterwards, and the ones still in flight, fail
// with ErrSessionClosed.
func (s *Session) Detach(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	s.conn.closeSession(s.id)

	err := target.DetachFromTarget().WithSessionID(s.id).Do(cdp.WithExecutor(ctx, s.conn))
	var perr *ProtocolError
	if errors.As(err, &perr) && perr.Message == "No session with given id" {
		return nil
	}
	return err
}

// dispatchEvent decodes msg and emits it under its method name. Events
// the protocol package does not know are emitted as the raw message.
func dispatchEvent(e *BaseEventEmitter, logger *log.Logger, msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		var unknown cdp.ErrUnknownCommandOrEvent
		if errors.As(err, &unknown) {
			// Most likely an event of a browser newer or older than the
			// protocol definitions. Let raw subscribers have it.
			e.emit(string(msg.Method), msg)
			return
		}
		logger.Errorf("cdp", "decoding %s: %v", msg.Method, err)
		return
	}
	e.emit(string(msg.Method), ev)
}

// messageQueue is an unbounded FIFO of events drained by one goroutine.
// The transport read loop never blocks on it, so event handlers are free
// to send commands and wait for their replies.
type messageQueue struct {
	mu     sync.Mutex
	items  []*cdproto.Message
	closed bool
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{signal: make(chan struct{}, 1)}
}

func (q *messageQueue) push(msg *cdproto.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.notify()
}

// close stops accepting messages. The messages queued so far are still
// delivered, then run calls its onClose and returns.
func (q *messageQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *messageQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *messageQueue) pop() (msg *cdproto.Message, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false, q.closed
	}
	msg = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	return msg, true, false
}

func (q *messageQueue) run(handle func(*cdproto.Message), onClose func()) {
	for range q.signal {
		for {
			msg, ok, closed := q.pop()
			if closed {
				onClose()
				return
			}
			if !ok {
				break
			}
			handle(msg)
		}
	}
}
