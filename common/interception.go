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
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/liuxd6825/browsercore/watchdog"
)

// DefaultInterceptPriority is the priority of the default action that is
// applied when nobody voted.
const DefaultInterceptPriority = 0

// externalSlot marks a vote that does not come from a registered
// interceptor.
const externalSlot = -1

var errRequestCanceled = errors.New("request canceled")

// InterceptAction is how an intercepted request gets resolved. It is one
// of ContinueAction, RespondAction or AbortAction.
type InterceptAction interface {
	actionName() string
}

// ContinueAction sends the request on. Empty fields keep the original
// value.
type ContinueAction struct {
	URL      string
	Method   string
	PostData []byte
	// Replaces every request header when not empty.
	Headers Headers
}

func (ContinueAction) actionName() string { return "continue" }

// RespondAction fulfills the request with a made up response.
type RespondAction struct {
	// Defaults to 200.
	Status      int64
	Headers     Headers
	ContentType string
	Body        []byte
}

func (RespondAction) actionName() string { return "respond" }

// AbortAction fails the request.
type AbortAction struct {
	// Defaults to network.ErrorReasonFailed.
	ErrorCode network.ErrorReason
}

func (AbortAction) actionName() string { return "abort" }

func (a AbortAction) reason() network.ErrorReason {
	if a.ErrorCode == "" {
		return network.ErrorReasonFailed
	}
	return a.ErrorCode
}

// netErrorTexts maps abort reasons to the error text the browser reports
// for them.
var netErrorTexts = map[network.ErrorReason]string{
	network.ErrorReasonAborted:              "net::ERR_ABORTED",
	network.ErrorReasonAccessDenied:         "net::ERR_ACCESS_DENIED",
	network.ErrorReasonAddressUnreachable:   "net::ERR_ADDRESS_UNREACHABLE",
	network.ErrorReasonBlockedByClient:      "net::ERR_BLOCKED_BY_CLIENT",
	network.ErrorReasonBlockedByResponse:    "net::ERR_BLOCKED_BY_RESPONSE",
	network.ErrorReasonConnectionAborted:    "net::ERR_CONNECTION_ABORTED",
	network.ErrorReasonConnectionClosed:     "net::ERR_CONNECTION_CLOSED",
	network.ErrorReasonConnectionFailed:     "net::ERR_CONNECTION_FAILED",
	network.ErrorReasonConnectionRefused:    "net::ERR_CONNECTION_REFUSED",
	network.ErrorReasonConnectionReset:      "net::ERR_CONNECTION_RESET",
	network.ErrorReasonFailed:               "net::ERR_FAILED",
	network.ErrorReasonInternetDisconnected: "net::ERR_INTERNET_DISCONNECTED",
	network.ErrorReasonNameNotResolved:      "net::ERR_NAME_NOT_RESOLVED",
	network.ErrorReasonTimedOut:             "net::ERR_TIMED_OUT",
}

func netErrorText(reason network.ErrorReason) string {
	if t, ok := netErrorTexts[reason]; ok {
		return t
	}
	return "net::ERR_" + string(reason)
}

// RequestInterceptor decides how an intercepted request is resolved by
// voting once through the Interception handle. It may vote after
// returning, as long as the vote arrives before the resolve timeout.
// Returning an error, or panicking, without voting abstains.
type RequestInterceptor func(ctx context.Context, i *Interception) error

// RequestInterceptorID identifies a registered RequestInterceptor.
type RequestInterceptorID int64

// Interception is the handle a RequestInterceptor votes through.
type Interception struct {
	*Request
	slot int
}

// Continue votes for sending the request on, optionally modified.
func (i *Interception) Continue(opts ContinueAction, priority int) error {
	return i.submit(i.slot, opts, priority)
}

// Respond votes for fulfilling the request with a made up response.
func (i *Interception) Respond(opts RespondAction, priority int) error {
	return i.submit(i.slot, opts, priority)
}

// Abort votes for failing the request with errorCode.
func (i *Interception) Abort(errorCode network.ErrorReason, priority int) error {
	return i.submit(i.slot, AbortAction{ErrorCode: errorCode}, priority)
}

type vote struct {
	action   InterceptAction
	priority int
	slot     int
}

// resolution collects the votes on one intercepted request.
//
// Registered interceptors own the slots [0, interceptors) in registration
// order. Other votes get the following slots in submission order. The
// highest priority wins and ties go to the lowest slot.
type resolution struct {
	mu           sync.Mutex
	interceptors int
	pending      int
	externals    int
	submitted    map[int]struct{}
	votes        []vote
	closed       bool

	// Resolved once every interceptor voted or abstained. Rejected when
	// the request is canceled.
	ready *watchdog.Cell[struct{}]
}

func newResolution(interceptors int) *resolution {
	r := &resolution{
		interceptors: interceptors,
		pending:      interceptors,
		submitted:    make(map[int]struct{}),
		ready:        watchdog.NewCell[struct{}](),
	}
	if interceptors == 0 {
		r.ready.Resolve(struct{}{})
	}
	return r
}

func (r *resolution) vote(slot int, action InterceptAction, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.submitted[slot]; ok {
		return ErrInterceptionAlreadySubmitted
	}
	if r.closed {
		return ErrRequestAlreadyHandled
	}
	if slot == externalSlot {
		slot = r.interceptors + r.externals
		r.externals++
	}
	r.submitted[slot] = struct{}{}
	r.votes = append(r.votes, vote{action: action, priority: priority, slot: slot})
	if slot < r.interceptors {
		r.doneLocked()
	}

	return nil
}

func (r *resolution) voted(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.submitted[slot]
	return ok
}

// abstain counts the interceptor in slot as done without a vote.
func (r *resolution) abstain(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.submitted[slot]; ok || r.closed {
		return
	}
	r.submitted[slot] = struct{}{}
	r.doneLocked()
}

func (r *resolution) doneLocked() {
	r.pending--
	if r.pending == 0 {
		r.ready.Resolve(struct{}{})
	}
}

// close stops accepting votes and returns the winning one, or nil if
// nobody voted.
func (r *resolution) close() *vote {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var win *vote
	for i := range r.votes {
		v := &r.votes[i]
		if win == nil || v.priority > win.priority ||
			(v.priority == win.priority && v.slot < win.slot) {
			win = v
		}
	}
	return win
}

func (m *NetworkManager) applyAction(ctx context.Context, req *Request, action InterceptAction) error {
	var (
		id       = req.interceptionID
		executor = cdp.WithExecutor(ctx, m.session)
	)
	switch a := action.(type) {
	case ContinueAction:
		p := fetch.ContinueRequest(id)
		if a.URL != "" {
			p = p.WithURL(a.URL)
		}
		if a.Method != "" {
			p = p.WithMethod(a.Method)
		}
		if a.PostData != nil {
			p = p.WithPostData(base64.StdEncoding.EncodeToString(a.PostData))
		}
		if a.Headers.Len() > 0 {
			p = p.WithHeaders(a.Headers.toFetch())
		}
		return p.Do(executor)
	case RespondAction:
		status := a.Status
		if status == 0 {
			status = http.StatusOK
		}
		headers := a.Headers.Clone()
		if a.ContentType != "" {
			headers.Set("content-type", a.ContentType)
		}
		if _, ok := headers.Get("content-length"); !ok && a.Body != nil {
			headers.Set("content-length", strconv.Itoa(len(a.Body)))
		}
		p := fetch.FulfillRequest(id, status).
			WithResponseHeaders(headers.toFetch()).
			WithResponsePhrase(http.StatusText(int(status)))
		if a.Body != nil {
			p = p.WithBody(base64.StdEncoding.EncodeToString(a.Body))
		}
		return p.Do(executor)
	case AbortAction:
		reason := a.reason()
		req.setFailureText(netErrorText(reason))
		return fetch.FailRequest(id, reason).Do(executor)
	}
	return fmt.Errorf("unknown intercept action %T", action)
}
