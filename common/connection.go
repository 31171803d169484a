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
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/browsercore/log"
)

const wsWriteBufferSize = 1 << 20

// Ensure Connection implements the EventEmitter and Executor interfaces
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
	_ session      = &Connection{}
)

type callResult struct {
	msg *cdproto.Message
	err error
}

// pendingCall is a command waiting for its response.
type pendingCall struct {
	sessionID target.SessionID
	method    cdproto.MethodType
	ch        chan callResult
}

/*
	Connection represents a WebSocket connection and the root "Browser Session".

	                                      ┌───────────────────────────────────────────────────────────────────┐
                                          │                                                                   │
                                          │                          Browser Process                          │
                                          │                                                                   │
                                          └───────────────────────────────────────────────────────────────────┘
┌───────────────────────────┐                                           │      ▲
│Reads JSON-RPC CDP messages│                                           │      │
│from WS connection. Replies│                                           ▼      │
│ go straight to the caller │             ┌───────────────────────────────────────────────────────────────────┐
│ waiting on the message id,├─────────────■                                                                   │
│  events are queued on the │             │                       WebSocket Connection                        │
│ session named by the      │             │                                                                   │
│ message session ID.       │             └───────────────────────────────────────────────────────────────────┘
└───────────────────────────┘                    │      ▲                                       │      ▲
                                                 │      │                                       │      │
                                                 ▼      │                                       ▼      │
┌───────────────────────────┐             ┌────────────────────┐                         ┌────────────────────┐
│ Drains its event queue in ├─────────────■                    │                         │                    │
│ order on its own goroutine│             │      Session       │      *  *  *  *  *      │      Session       │
│ and sends commands through│             │                    │                         │                    │
│ the connection.           │             └────────────────────┘                         └────────────────────┘
└───────────────────────────┘                    │      ▲                                       │      ▲
                                                 │      │                                       │      │
                                                 ▼      │                                       ▼      │
┌───────────────────────────┐             ┌────────────────────┐                         ┌────────────────────┐
│Registers with session as a├─────────────■                    │                         │                    │
│handler for a specific CDP │             │   Event Listener   │      *  *  *  *  *      │   Event Listener   │
│       Domain event.       │             │                    │                         │                    │
└───────────────────────────┘             └────────────────────┘                         └────────────────────┘
*/
type Connection struct {
	BaseEventEmitter

	ctx    context.Context
	wsURL  string
	logger *log.Logger
	conn   *websocket.Conn
	sendCh chan *cdproto.Message
	done   chan struct{}
	msgID  int64

	// Events of the browser session, i.e. without a session id.
	queue *messageQueue

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	closed    bool
	closeErr  error
	closeOnce sync.Once

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
}

// NewConnection dials wsURL and starts serving the connection. The
// connection is closed when ctx is done.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, connErr := wsd.DialContext(ctx, wsURL, nil)
	if connErr != nil {
		return nil, fmt.Errorf("connecting to browser DevTools URL %q: %w", wsURL, connErr)
	}

	c := &Connection{
		ctx:      ctx,
		wsURL:    wsURL,
		logger:   logger,
		conn:     conn,
		sendCh:   make(chan *cdproto.Message, 32), // Avoid blocking in Execute
		done:     make(chan struct{}),
		queue:    newMessageQueue(),
		pending:  make(map[int64]*pendingCall),
		sessions: make(map[target.SessionID]*Session),
	}

	go c.recvLoop()
	go c.sendLoop()
	go c.queue.run(c.dispatch, func() { c.emit(EventConnectionClose, nil) })
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	return c, nil
}

// ID returns the empty session id of the browser session.
func (c *Connection) ID() target.SessionID { return "" }

// TargetID returns the empty target id of the browser session.
func (c *Connection) TargetID() target.ID { return "" }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection was closed abnormally, if any.
func (c *Connection) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// Close closes the connection. Pending calls fail with ErrConnectionClosed
// and every session is closed.
func (c *Connection) Close() {
	c.shutdown(websocket.CloseGoingAway, nil)
}

// shutdown tears the connection down once. reason is kept as Err when
// the transport failed.
func (c *Connection) shutdown(code int, reason error) {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		c.closed = true
		c.closeErr = reason
		pending := c.pending
		c.pending = make(map[int64]*pendingCall)
		c.pendingMu.Unlock()

		err := ErrConnectionClosed
		if reason != nil {
			err = fmt.Errorf("%w: %w", ErrConnectionClosed, reason)
		}
		for _, call := range pending {
			call.ch <- callResult{err: err}
		}

		c.sessionsMu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for id, s := range c.sessions {
			sessions = append(sessions, s)
			delete(c.sessions, id)
		}
		c.sessionsMu.Unlock()
		for _, s := range sessions {
			s.close()
		}

		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
		_ = c.conn.Close()

		// Stop the main control loops
		close(c.done)
		c.queue.close()
	})
}

func (c *Connection) handleIOError(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	code := websocket.CloseGoingAway
	var cerr *websocket.CloseError
	if errors.As(err, &cerr) {
		code = cerr.Code
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debugf("Connection:handleIOError", "connection closed by remote: %v", err)
		c.shutdown(code, nil)
		return
	}

	c.logger.Errorf("Connection:handleIOError", "unexpected connection closure: %v", err)
	c.shutdown(code, err)
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

// createSession registers the session announced by an attachedToTarget
// event received on parentID.
func (c *Connection) createSession(parentID target.SessionID, ev *target.EventAttachedToTarget) *Session {
	var targetID target.ID
	if ev.TargetInfo != nil {
		targetID = ev.TargetInfo.TargetID
	}

	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()

	if s, ok := c.sessions[ev.SessionID]; ok {
		return s
	}
	parent := c.sessions[parentID]
	s := NewSession(c.ctx, c, ev.SessionID, targetID, parent, c.logger)
	if parent != nil {
		parent.children[ev.SessionID] = s
	}
	c.sessions[ev.SessionID] = s

	return s
}

// closeSession closes the session and every session below it.
func (c *Connection) closeSession(id target.SessionID) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.sessionsMu.Unlock()
		return
	}
	if s.parent != nil {
		delete(s.parent.children, id)
	}
	var (
		closing []*Session
		walk    func(*Session)
	)
	walk = func(s *Session) {
		closing = append(closing, s)
		delete(c.sessions, s.id)
		for _, child := range s.children {
			walk(child)
		}
	}
	walk(s)
	c.sessionsMu.Unlock()

	for _, s := range closing {
		s.close()
	}
}

// failSessionCalls fails the pending calls of the given session.
func (c *Connection) failSessionCalls(id target.SessionID) {
	c.pendingMu.Lock()
	var failed []*pendingCall
	for msgID, call := range c.pending {
		if call.sessionID == id {
			failed = append(failed, call)
			delete(c.pending, msgID)
		}
	}
	c.pendingMu.Unlock()

	for _, call := range failed {
		call.ch <- callResult{err: newSessionClosedError(id)}
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			c.logger.Errorf("cdp", "dropping undecodable message (id: %d, method: %q): %v",
				gjson.GetBytes(buf, "id").Int(), gjson.GetBytes(buf, "method").String(), err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.resolve(&msg)
		case msg.Method != "":
			c.route(&msg)
		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %s", buf)
		}
	}
}

// resolve hands a response to the caller waiting for it.
func (c *Connection) resolve(msg *cdproto.Message) {
	c.pendingMu.Lock()
	call, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()

	if ok {
		call.ch <- callResult{msg: msg}
	} else {
		c.logger.Debugf("cdp", "dropping response to unknown or abandoned call %d", msg.ID)
	}

	if msg.SessionID != "" && msg.Error != nil && msg.Error.Message == "No session with given id" {
		c.closeSession(msg.SessionID)
	}
}

// route queues an event on the session it belongs to. Sessions are created
// before the attach event is queued so its handlers can look them up, and
// closed after the detach event is queued.
func (c *Connection) route(msg *cdproto.Message) {
	var detached target.SessionID
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		var ev target.EventAttachedToTarget
		if err := easyjson.Unmarshal(msg.Params, &ev); err != nil {
			c.logger.Errorf("cdp", "decoding %s: %v", msg.Method, err)
			return
		}
		c.createSession(msg.SessionID, &ev)
	case cdproto.EventTargetDetachedFromTarget:
		detached = target.SessionID(gjson.GetBytes(msg.Params, "sessionId").String())
	}

	if msg.SessionID == "" {
		c.queue.push(msg)
	} else if s := c.getSession(msg.SessionID); s != nil {
		s.queue.push(msg)
	} else {
		c.logger.Warnf("cdp", "dropping %s event for unknown session %s", msg.Method, msg.SessionID)
	}

	if detached != "" {
		c.closeSession(detached)
	}
}

// dispatch decodes and emits an event of the browser session.
func (c *Connection) dispatch(msg *cdproto.Message) {
	dispatchEvent(&c.BaseEventEmitter, c.logger, msg)
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			encoder := jwriter.Writer{}
			msg.MarshalEasyJSON(&encoder)
			if err := encoder.Error; err != nil {
				c.failCall(msg.ID, err)
				continue
			}

			buf, _ := encoder.BuildBytes()
			c.logger.Debugf("cdp:send", "-> %s", buf)
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) failCall(id int64, err error) {
	c.pendingMu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if ok {
		call.ch <- callResult{err: err}
	}
}

func (c *Connection) abandonCall(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// send writes a command and, if res is wanted, waits for its response.
// Responses are matched by message id only, so they may arrive in any
// order.
func (c *Connection) send(
	ctx context.Context, sessionID target.SessionID, method string,
	params easyjson.Marshaler, res easyjson.Unmarshaler, expectReply bool,
) error {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	var ch chan callResult
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return ErrConnectionClosed
	}
	// Sessions leave the table before their calls are failed, so a call
	// registered here is either failed on close or answered.
	if sessionID != "" && c.getSession(sessionID) == nil {
		c.pendingMu.Unlock()
		return newSessionClosedError(sessionID)
	}
	if expectReply {
		ch = make(chan callResult, 1)
		c.pending[id] = &pendingCall{sessionID: sessionID, method: msg.Method, ch: ch}
	}
	c.pendingMu.Unlock()

	select {
	case c.sendCh <- msg:
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		c.abandonCall(id)
		return ctx.Err()
	}
	if !expectReply {
		return nil
	}

	select {
	case r := <-ch:
		switch {
		case r.err != nil:
			return r.err
		case r.msg.Error != nil:
			return newProtocolError(msg.Method, r.msg.Error)
		case res != nil:
			return easyjson.Unmarshal(r.msg.Result, res)
		}
		return nil
	case <-ctx.Done():
		c.abandonCall(id)
		return ctx.Err()
	}
}

// Execute implements cdproto.Executor and performs a synchronous send and
// receive on the browser session.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.send(ctx, "", method, params, res, true)
}

// ExecuteWithoutExpectationOnReply sends a browser level command without
// waiting for its response.
func (c *Connection) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return c.send(ctx, "", method, params, res, false)
}

// Session returns the attached session with the given id, or nil.
func (c *Connection) Session(id target.SessionID) *Session {
	return c.getSession(id)
}
