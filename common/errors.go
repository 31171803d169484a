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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
)

// Sentinel errors of the protocol core.
var (
	ErrConnectionClosed             = errors.New("connection closed")
	ErrSessionClosed                = errors.New("session closed")
	ErrTimedOut                     = errors.New("timed out")
	ErrNotSupported                 = errors.New("not supported")
	ErrInitialization               = errors.New("target manager initialization failed")
	ErrRequestAlreadyHandled        = errors.New("request is already handled")
	ErrInterceptionAlreadySubmitted = errors.New("interceptor already submitted an action for this request")
	ErrTargetCrashed                = errors.New("target has crashed")
	ErrPromptAlreadyHandled         = errors.New("device request prompt is already handled")
	ErrUnknownDevice                = errors.New("device not found in prompt's devices list")
	ErrInvalidOptions               = errors.New("invalid browser options")
)

// ProtocolError is an error reported by the remote end in reply to a
// command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func newProtocolError(method cdproto.MethodType, e *cdproto.Error) *ProtocolError {
	return &ProtocolError{
		Method:  string(method),
		Code:    e.Code,
		Message: e.Message,
	}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s (%d)", e.Method, e.Message, e.Code)
}

// sessionClosedError is returned for commands on a session that went away.
type sessionClosedError struct {
	id target.SessionID
}

func newSessionClosedError(id target.SessionID) error {
	return &sessionClosedError{id: id}
}

func (e *sessionClosedError) Error() string {
	return fmt.Sprintf("session %s closed", e.id)
}

func (e *sessionClosedError) Is(target error) bool { return target == ErrSessionClosed }

// Retryable reports true; the target may be attached to again.
func (e *sessionClosedError) Retryable() bool { return true }

// TimeoutError is returned when waiting for something exceeded its timeout.
type TimeoutError struct {
	// What was being waited for, e.g. "DeviceRequestPrompt".
	Waiting string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Waiting for `%s` failed: %s exceeded", e.Waiting, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// Retryable reports true.
func (e *TimeoutError) Retryable() bool { return true }

// Hint suggests how to avoid the timeout.
func (e *TimeoutError) Hint() string {
	return "pass a larger timeout, or 0 to wait indefinitely"
}

// InterceptionNotEnabledError is returned when a request is resolved while
// request interception is off.
type InterceptionNotEnabledError struct{}

func (*InterceptionNotEnabledError) Error() string {
	return "Request Interception is not enabled!"
}

// Hint tells what has to be done first.
func (*InterceptionNotEnabledError) Hint() string {
	return "call SetRequestInterception(ctx, true) before resolving requests"
}

// isInterceptionGoneError reports whether err means that the browser no
// longer knows the paused request, which happens when the request was
// canceled or its target went away while it was being resolved.
func isInterceptionGoneError(err error) bool {
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		return false
	}
	return strings.Contains(perr.Message, "Invalid InterceptionId") ||
		strings.Contains(perr.Message, "Invalid state")
}
