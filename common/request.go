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
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// RequestState is where a request is in its interception lifecycle.
type RequestState int32

const (
	RequestPending RequestState = iota
	RequestResolving
	RequestResolved
	RequestCanceled
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestResolving:
		return "resolving"
	case RequestResolved:
		return "resolved"
	case RequestCanceled:
		return "canceled"
	}
	return "unknown"
}

// Request represents a browser HTTP request.
type Request struct {
	nm *NetworkManager

	id             network.RequestID
	loaderID       cdp.LoaderID
	interceptionID fetch.RequestID
	url            string
	method         string
	headers        Headers
	postData       []byte
	resourceType   network.ResourceType
	frameID        cdp.FrameID
	isNavigation   bool
	internal       bool
	redirectChain  []*Request
	timestamp      time.Time

	state atomic.Int32
	// Nil unless the request was paused for interception.
	res *resolution

	mu              sync.RWMutex
	response        *Response
	failureText     string
	fromMemoryCache bool
}

// newRequest builds a request from its requestWillBeSent event.
// paused is the matching Fetch.requestPaused event when the request is
// intercepted.
func newRequest(
	nm *NetworkManager, event *network.EventRequestWillBeSent,
	redirectChain []*Request, paused *fetch.EventRequestPaused,
) *Request {
	r := &Request{
		nm:            nm,
		id:            event.RequestID,
		loaderID:      event.LoaderID,
		url:           event.Request.URL + event.Request.URLFragment,
		method:        event.Request.Method,
		headers:       headersFromNetwork(event.Request.Headers),
		postData:      decodePostData(event.Request),
		resourceType:  event.Type,
		frameID:       event.FrameID,
		redirectChain: redirectChain,
		isNavigation: string(event.RequestID) == string(event.LoaderID) &&
			event.Type == network.ResourceTypeDocument,
	}
	r.internal = isInternalURL(r.url)
	if event.Timestamp != nil {
		r.timestamp = event.Timestamp.Time()
	}
	if paused != nil {
		r.interceptionID = paused.RequestID
	}

	return r
}

// newRequestFromPaused builds a request for a paused request the network
// domain never reported, e.g. one issued by a service worker.
func newRequestFromPaused(nm *NetworkManager, event *fetch.EventRequestPaused) *Request {
	return newRequest(nm, &network.EventRequestWillBeSent{
		RequestID: network.RequestID(event.RequestID),
		Request:   event.Request,
		Type:      event.ResourceType,
		FrameID:   event.FrameID,
	}, nil, event)
}

func decodePostData(req *network.Request) []byte {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return nil
	}
	var buf []byte
	for _, e := range req.PostDataEntries {
		b, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			// not base64, keep as sent
			b = []byte(e.Bytes)
		}
		buf = append(buf, b...)
	}
	return buf
}

// ID returns the network request id.
func (r *Request) ID() network.RequestID { return r.id }

// InterceptionID returns the id of the paused request, or "" when the
// request is not intercepted.
func (r *Request) InterceptionID() fetch.RequestID { return r.interceptionID }

// URL returns the request URL.
func (r *Request) URL() string { return r.url }

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// Headers returns a copy of the request headers. Changing it does not
// change the request.
func (r *Request) Headers() Headers { return r.headers.Clone() }

// HeaderValue returns the value of the header called name.
func (r *Request) HeaderValue(name string) (string, bool) { return r.headers.Get(name) }

// PostData returns the request body.
func (r *Request) PostData() string { return string(r.postData) }

// PostDataBuffer returns a copy of the request body.
func (r *Request) PostDataBuffer() []byte {
	if r.postData == nil {
		return nil
	}
	b := make([]byte, len(r.postData))
	copy(b, r.postData)
	return b
}

// ResourceType returns how the requested resource is going to be used.
func (r *Request) ResourceType() string { return strings.ToLower(r.resourceType.String()) }

// FrameID returns the id of the frame that issued the request.
func (r *Request) FrameID() cdp.FrameID { return r.frameID }

// IsNavigationRequest reports whether the request drives a navigation.
func (r *Request) IsNavigationRequest() bool { return r.isNavigation }

// RedirectChain returns the requests that redirected to this one, oldest
// first.
func (r *Request) RedirectChain() []*Request {
	out := make([]*Request, len(r.redirectChain))
	copy(out, r.redirectChain)
	return out
}

// RedirectedFrom returns the request that redirected to this one.
func (r *Request) RedirectedFrom() *Request {
	if len(r.redirectChain) == 0 {
		return nil
	}
	return r.redirectChain[len(r.redirectChain)-1]
}

// Timestamp returns when the request was issued.
func (r *Request) Timestamp() time.Time { return r.timestamp }

// State returns the interception state.
func (r *Request) State() RequestState { return RequestState(r.state.Load()) }

// Response returns the response, if one was received.
func (r *Request) Response() *Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.response
}

// Failure returns the error text of a failed request.
func (r *Request) Failure() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failureText
}

// FromMemoryCache reports whether the request was served from the memory
// cache.
func (r *Request) FromMemoryCache() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fromMemoryCache
}

func (r *Request) setResponse(resp *Response) {
	r.mu.Lock()
	r.response = resp
	r.mu.Unlock()
}

func (r *Request) setFailureText(text string) {
	r.mu.Lock()
	r.failureText = text
	r.mu.Unlock()
}

func (r *Request) setLoadedFromCache(fromMemoryCache bool) {
	r.mu.Lock()
	r.fromMemoryCache = fromMemoryCache
	r.mu.Unlock()
}

// cancel moves a pending request to canceled. It reports whether it did.
func (r *Request) cancel() bool {
	if !r.state.CompareAndSwap(int32(RequestPending), int32(RequestCanceled)) {
		return false
	}
	if r.res != nil {
		r.res.ready.Reject(errRequestCanceled)
	}
	return true
}

// Continue votes for sending the request on, optionally modified.
// The vote ranks after the votes of every registered interceptor.
func (r *Request) Continue(opts ContinueAction, priority int) error {
	return r.submit(externalSlot, opts, priority)
}

// Respond votes for fulfilling the request with a made up response.
// The vote ranks after the votes of every registered interceptor.
func (r *Request) Respond(opts RespondAction, priority int) error {
	return r.submit(externalSlot, opts, priority)
}

// Abort votes for failing the request with errorCode.
// The vote ranks after the votes of every registered interceptor.
func (r *Request) Abort(errorCode network.ErrorReason, priority int) error {
	return r.submit(externalSlot, AbortAction{ErrorCode: errorCode}, priority)
}

func (r *Request) submit(slot int, action InterceptAction, priority int) error {
	enabled := r.nm != nil && r.nm.interceptionEnabled()
	if r.res == nil {
		// The browser never pauses internal URLs.
		if r.internal && enabled {
			return nil
		}
		return &InterceptionNotEnabledError{}
	}
	if !enabled {
		return &InterceptionNotEnabledError{}
	}
	if r.res.voted(slot) {
		return ErrInterceptionAlreadySubmitted
	}
	switch r.State() {
	case RequestCanceled:
		return nil
	case RequestResolving, RequestResolved:
		return ErrRequestAlreadyHandled
	}
	return r.res.vote(slot, action, priority)
}

// Response represents a browser HTTP response.
type Response struct {
	request *Request

	url               string
	status            int64
	statusText        string
	headers           Headers
	fromDiskCache     bool
	fromServiceWorker bool
	fromPrefetchCache bool
	remoteAddress     RemoteAddress
	protocol          string
	timestamp         time.Time
}

// RemoteAddress is the address of the server that served a response.
type RemoteAddress struct {
	IPAddress string `json:"ipAddress"`
	Port      int64  `json:"port"`
}

func newResponse(req *Request, resp *network.Response, timestamp *cdp.MonotonicTime) *Response {
	r := &Response{
		request:           req,
		url:               resp.URL,
		status:            resp.Status,
		statusText:        resp.StatusText,
		headers:           headersFromNetwork(resp.Headers),
		fromDiskCache:     resp.FromDiskCache,
		fromServiceWorker: resp.FromServiceWorker,
		fromPrefetchCache: resp.FromPrefetchCache,
		remoteAddress: RemoteAddress{
			IPAddress: resp.RemoteIPAddress,
			Port:      resp.RemotePort,
		},
		protocol: resp.Protocol,
	}
	if timestamp != nil {
		r.timestamp = timestamp.Time()
	}
	return r
}

// Request returns the request the response answers.
func (r *Response) Request() *Request { return r.request }

// URL returns the response URL.
func (r *Response) URL() string { return r.url }

// Status returns the HTTP status code.
func (r *Response) Status() int64 { return r.status }

// StatusText returns the HTTP status text.
func (r *Response) StatusText() string { return r.statusText }

// Ok reports whether the status is 0 or in the 2xx range.
func (r *Response) Ok() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}

// Headers returns a copy of the response headers.
func (r *Response) Headers() Headers { return r.headers.Clone() }

// FromCache reports whether the response came from the disk or memory
// cache.
func (r *Response) FromCache() bool {
	return r.fromDiskCache || r.request.FromMemoryCache()
}

// FromServiceWorker reports whether a service worker served the response.
func (r *Response) FromServiceWorker() bool { return r.fromServiceWorker }

// FromPrefetchCache reports whether the response came from the prefetch
// cache.
func (r *Response) FromPrefetchCache() bool { return r.fromPrefetchCache }

// RemoteAddress returns the address of the server.
func (r *Response) RemoteAddress() RemoteAddress { return r.remoteAddress }

// Protocol returns the protocol used to fetch the response.
func (r *Response) Protocol() string { return r.protocol }

// Timestamp returns when the response was received.
func (r *Response) Timestamp() time.Time { return r.timestamp }
