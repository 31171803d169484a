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
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/browsercore/log"
	"github.com/liuxd6825/browsercore/trace"
	"github.com/liuxd6825/browsercore/watchdog"
)

// Ensure NetworkManager implements the EventEmitter interface.
var _ EventEmitter = &NetworkManager{}

// NetworkManager tracks the requests of one target and resolves the ones
// paused for interception.
type NetworkManager struct {
	BaseEventEmitter

	ctx            context.Context
	cancel         context.CancelFunc
	logger         *log.Logger
	tracer         *trace.Tracer
	session        session
	resolveTimeout time.Duration

	reqIDToRequest map[network.RequestID]*Request
	// requestWillBeSent and requestPaused events waiting for their
	// counterpart, keyed by network request id.
	pendingWillBeSent map[network.RequestID]*network.EventRequestWillBeSent
	pendingPaused     map[network.RequestID]*fetch.EventRequestPaused
	reqsMu            sync.RWMutex

	interceptors      []registeredInterceptor
	nextInterceptorID RequestInterceptorID
	interceptorsMu    sync.RWMutex

	userReqInterceptionEnabled atomic.Bool

	// Guards the fields below.
	mu                             sync.Mutex
	attemptedAuth                  map[fetch.RequestID]bool
	credentials                    *Credentials
	extraHTTPHeaders               network.Headers
	userCacheDisabled              bool
	protocolReqInterceptionEnabled bool

	subs []*Subscription
}

type registeredInterceptor struct {
	id RequestInterceptorID
	fn RequestInterceptor
}

// NewNetworkManager creates a new network manager for the target of s and
// enables the network domain on it. resolveTimeout bounds how long an
// intercepted request waits for its interceptors. It falls back to
// DefaultInterceptResolveTimeout when not positive.
func NewNetworkManager(
	ctx context.Context, s session, resolveTimeout time.Duration, tracer *trace.Tracer, logger *log.Logger,
) (*NetworkManager, error) {
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	if resolveTimeout <= 0 {
		resolveTimeout = DefaultInterceptResolveTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	m := NetworkManager{
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger,
		tracer:            tracer,
		session:           s,
		resolveTimeout:    resolveTimeout,
		reqIDToRequest:    make(map[network.RequestID]*Request),
		pendingWillBeSent: make(map[network.RequestID]*network.EventRequestWillBeSent),
		pendingPaused:     make(map[network.RequestID]*fetch.EventRequestPaused),
		attemptedAuth:     make(map[fetch.RequestID]bool),
	}
	m.initEvents()
	if err := m.initDomains(); err != nil {
		m.Close()
		return nil, err
	}

	return &m, nil
}

func (m *NetworkManager) initDomains() error {
	action := network.Enable()
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("enabling network domain: %w", err)
	}
	return nil
}

func (m *NetworkManager) initEvents() {
	events := []string{
		cdproto.EventNetworkLoadingFailed,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkRequestServedFromCache,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventFetchRequestPaused,
		cdproto.EventFetchAuthRequired,
	}
	m.subs = append(m.subs,
		m.session.Subscribe(events, m.handleEvent),
		m.session.Subscribe([]string{EventSessionClosed}, func(Event) { m.onSessionClosed() }),
	)
}

func (m *NetworkManager) handleEvent(event Event) {
	switch ev := event.Data().(type) {
	case *network.EventLoadingFailed:
		m.onLoadingFailed(ev)
	case *network.EventLoadingFinished:
		m.onLoadingFinished(ev)
	case *network.EventRequestWillBeSent:
		m.onRequestWillBeSent(ev)
	case *network.EventRequestServedFromCache:
		m.onRequestServedFromCache(ev)
	case *network.EventResponseReceived:
		m.onResponseReceived(ev)
	case *fetch.EventRequestPaused:
		m.onRequestPaused(ev)
	case *fetch.EventAuthRequired:
		m.onAuthRequired(ev)
	}
}

// Close stops listening to the session and cancels the requests still
// waiting for interception.
func (m *NetworkManager) Close() {
	for _, sub := range m.subs {
		m.session.Unsubscribe(sub)
	}
	m.onSessionClosed()
}

func (m *NetworkManager) onSessionClosed() {
	m.reqsMu.Lock()
	reqs := make([]*Request, 0, len(m.reqIDToRequest))
	for _, r := range m.reqIDToRequest {
		reqs = append(reqs, r)
	}
	m.reqsMu.Unlock()

	for _, r := range reqs {
		r.cancel()
	}
	m.cancel()
}

func (m *NetworkManager) interceptionEnabled() bool {
	return m.userReqInterceptionEnabled.Load()
}

func (m *NetworkManager) onRequestWillBeSent(event *network.EventRequestWillBeSent) {
	if !m.interceptionEnabled() || isInternalURL(event.Request.URL) {
		m.onRequest(event, nil)
		return
	}

	m.reqsMu.Lock()
	paused, ok := m.pendingPaused[event.RequestID]
	if ok {
		delete(m.pendingPaused, event.RequestID)
	} else {
		m.pendingWillBeSent[event.RequestID] = event
	}
	m.reqsMu.Unlock()

	if ok {
		m.onRequest(event, paused)
	}
}

func (m *NetworkManager) onRequestPaused(event *fetch.EventRequestPaused) {
	m.logger.Debugf("NetworkManager:onRequestPaused",
		"sid:%s url:%v", m.session.ID(), event.Request.URL)

	if !m.interceptionEnabled() {
		// Paused for credentials only.
		action := fetch.ContinueRequest(event.RequestID)
		if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
			m.logger.Debugf("NetworkManager:onRequestPaused",
				"error continuing request: %s", err)
		}
		return
	}
	if event.NetworkID == "" {
		m.onRequest(nil, event)
		return
	}

	m.reqsMu.Lock()
	willBeSent, ok := m.pendingWillBeSent[event.NetworkID]
	if ok {
		delete(m.pendingWillBeSent, event.NetworkID)
	} else {
		m.pendingPaused[event.NetworkID] = event
	}
	m.reqsMu.Unlock()

	if ok {
		m.onRequest(willBeSent, event)
	}
}

// onRequest registers a new request. event is nil for paused requests
// the network domain never reported.
func (m *NetworkManager) onRequest(event *network.EventRequestWillBeSent, paused *fetch.EventRequestPaused) {
	var req *Request
	if event == nil {
		req = newRequestFromPaused(m, paused)
	} else {
		var redirectChain []*Request
		if event.RedirectResponse != nil {
			if prev := m.requestFromID(event.RequestID); prev != nil {
				m.handleRequestRedirect(prev, event.RedirectResponse, event.Timestamp)
				redirectChain = make([]*Request, 0, len(prev.redirectChain)+1)
				redirectChain = append(redirectChain, prev.redirectChain...)
				redirectChain = append(redirectChain, prev)
			}
		}
		req = newRequest(m, event, redirectChain, paused)
	}

	m.interceptorsMu.RLock()
	interceptors := make([]registeredInterceptor, len(m.interceptors))
	copy(interceptors, m.interceptors)
	m.interceptorsMu.RUnlock()
	if paused != nil {
		req.res = newResolution(len(interceptors))
	}

	m.reqsMu.Lock()
	m.reqIDToRequest[req.id] = req
	m.reqsMu.Unlock()

	// Request subscribers may vote from their handler.
	m.emit(EventPageRequest, req)

	switch {
	case req.res != nil:
		go m.intercept(req, interceptors)
	case len(interceptors) > 0:
		go m.notifyInterceptors(req, interceptors)
	}
}

func (m *NetworkManager) handleRequestRedirect(req *Request, redirectResponse *network.Response, timestamp *cdp.MonotonicTime) {
	resp := newResponse(req, redirectResponse, timestamp)
	req.setResponse(resp)

	m.reqsMu.Lock()
	delete(m.reqIDToRequest, req.id)
	m.reqsMu.Unlock()
	m.forgetAuth(req)

	m.emit(EventPageResponse, resp)
	m.emit(EventPageRequestFinished, req)
}

// intercept runs the interceptors of req concurrently and resolves it once
// all of them voted, or when the resolve timeout elapses.
func (m *NetworkManager) intercept(req *Request, interceptors []registeredInterceptor) {
	ctx, span := m.tracer.TraceInterception(m.ctx, string(m.session.TargetID()), string(req.id), req.url)
	ictx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	for slot, ri := range interceptors {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorf("NetworkManager:intercept",
						"interceptor %d panicked on %s: %v", ri.id, req.url, r)
					req.res.abstain(slot)
				}
			}()
			if err := ri.fn(ictx, &Interception{Request: req, slot: slot}); err != nil {
				m.logger.Errorf("NetworkManager:intercept",
					"interceptor %d failed on %s: %v", ri.id, req.url, err)
				req.res.abstain(slot)
			}
			return nil
		})
	}

	_, err := watchdog.Wait(ictx, req.res.ready, m.resolveTimeout)
	switch {
	case errors.Is(err, watchdog.ErrTimeout):
		m.logger.Warnf("NetworkManager:intercept",
			"resolving %s after %s without waiting for every interceptor", req.url, m.resolveTimeout)
	case err != nil:
		req.cancel()
		trace.EndInterception(span, RequestCanceled.String(), DefaultInterceptPriority, nil)
		cancel()
		_ = g.Wait()
		return
	}

	action, priority, err := m.resolveRequest(ctx, req)
	trace.EndInterception(span, action, priority, err)

	cancel()
	_ = g.Wait()
}

// notifyInterceptors runs the interceptors on a request that was not paused.
// Their votes are never applied: they fail with InterceptionNotEnabledError
// while interception is disabled, and do nothing for internal URLs.
func (m *NetworkManager) notifyInterceptors(req *Request, interceptors []registeredInterceptor) {
	var g errgroup.Group
	for slot, ri := range interceptors {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorf("NetworkManager:notifyInterceptors",
						"interceptor %d panicked on %s: %v", ri.id, req.url, r)
				}
			}()
			if err := ri.fn(m.ctx, &Interception{Request: req, slot: slot}); err != nil {
				m.logger.Debugf("NetworkManager:notifyInterceptors",
					"interceptor %d failed on %s: %v", ri.id, req.url, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// resolveRequest applies the winning vote on req. It does nothing if req
// is not pending anymore.
func (m *NetworkManager) resolveRequest(ctx context.Context, req *Request) (string, int, error) {
	if !req.state.CompareAndSwap(int32(RequestPending), int32(RequestResolving)) {
		return req.State().String(), DefaultInterceptPriority, nil
	}

	var (
		action   InterceptAction = ContinueAction{}
		priority                 = DefaultInterceptPriority
	)
	if win := req.res.close(); win != nil {
		action, priority = win.action, win.priority
	}

	err := m.applyAction(ctx, req, action)
	switch {
	case err == nil:
		req.state.Store(int32(RequestResolved))
	case isInterceptionGoneError(err):
		m.logger.Debugf("NetworkManager:resolveRequest",
			"request %s went away before it was resolved: %v", req.url, err)
		req.state.Store(int32(RequestCanceled))
		err = nil
	default:
		m.logger.Errorf("NetworkManager:resolveRequest",
			"cannot %s request %s: %v", action.actionName(), req.url, err)
		req.state.Store(int32(RequestResolved))
	}

	return action.actionName(), priority, err
}

func (m *NetworkManager) onLoadingFailed(event *network.EventLoadingFailed) {
	m.reqsMu.Lock()
	req := m.reqIDToRequest[event.RequestID]
	delete(m.reqIDToRequest, event.RequestID)
	delete(m.pendingWillBeSent, event.RequestID)
	delete(m.pendingPaused, event.RequestID)
	m.reqsMu.Unlock()

	if req == nil {
		return
	}
	if event.Canceled {
		req.cancel()
	}
	req.setFailureText(event.ErrorText)
	m.forgetAuth(req)
	m.emit(EventPageRequestFailed, req)
}

func (m *NetworkManager) onLoadingFinished(event *network.EventLoadingFinished) {
	m.reqsMu.Lock()
	req := m.reqIDToRequest[event.RequestID]
	delete(m.reqIDToRequest, event.RequestID)
	m.reqsMu.Unlock()

	if req == nil {
		return
	}
	m.forgetAuth(req)
	m.emit(EventPageRequestFinished, req)
}

func (m *NetworkManager) onRequestServedFromCache(event *network.EventRequestServedFromCache) {
	req := m.requestFromID(event.RequestID)
	if req == nil {
		return
	}
	req.setLoadedFromCache(true)
	m.emit(EventPageRequestServedFromCache, req)
}

func (m *NetworkManager) onResponseReceived(event *network.EventResponseReceived) {
	req := m.requestFromID(event.RequestID)
	if req == nil {
		return
	}
	resp := newResponse(req, event.Response, event.Timestamp)
	req.setResponse(resp)
	m.emit(EventPageResponse, resp)
}

func (m *NetworkManager) onAuthRequired(event *fetch.EventAuthRequired) {
	var (
		res = fetch.AuthChallengeResponseResponseDefault
		rid = event.RequestID

		username, password string
	)

	m.mu.Lock()
	switch {
	case m.attemptedAuth[rid]:
		delete(m.attemptedAuth, rid)
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case m.credentials != nil:
		m.attemptedAuth[rid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		// Username and password must only be set along with
		// ProvideCredentials.
		username, password = m.credentials.Username, m.credentials.Password
	}
	m.mu.Unlock()

	err := fetch.ContinueWithAuth(
		rid,
		&fetch.AuthChallengeResponse{
			Response: res,
			Username: username,
			Password: password,
		},
	).Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		m.logger.Debugf("NetworkManager:onAuthRequired", "continueWithAuth url:%q err:%v", event.Request.URL, err)
	} else {
		m.logger.Debugf("NetworkManager:onAuthRequired", "continueWithAuth url:%q OK", event.Request.URL)
	}
}

func (m *NetworkManager) forgetAuth(req *Request) {
	if req.interceptionID == "" {
		return
	}
	m.mu.Lock()
	delete(m.attemptedAuth, req.interceptionID)
	m.mu.Unlock()
}

func (m *NetworkManager) requestFromID(reqID network.RequestID) *Request {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	return m.reqIDToRequest[reqID]
}

// AddRequestInterceptor registers fn for the requests paused from now on.
// Interceptors rank by registration order when their votes tie.
func (m *NetworkManager) AddRequestInterceptor(fn RequestInterceptor) RequestInterceptorID {
	m.interceptorsMu.Lock()
	defer m.interceptorsMu.Unlock()

	m.nextInterceptorID++
	m.interceptors = append(m.interceptors, registeredInterceptor{id: m.nextInterceptorID, fn: fn})

	return m.nextInterceptorID
}

// RemoveRequestInterceptor unregisters the interceptor with id. Requests
// already paused still wait for it. It reports whether id was registered.
func (m *NetworkManager) RemoveRequestInterceptor(id RequestInterceptorID) bool {
	m.interceptorsMu.Lock()
	defer m.interceptorsMu.Unlock()

	for i, ri := range m.interceptors {
		if ri.id == id {
			m.interceptors = append(m.interceptors[:i:i], m.interceptors[i+1:]...)
			return true
		}
	}
	return false
}

// SetRequestInterception toggles request interception on/off.
func (m *NetworkManager) SetRequestInterception(ctx context.Context, enabled bool) error {
	m.userReqInterceptionEnabled.Store(enabled)
	return m.updateProtocolRequestInterception(ctx)
}

func (m *NetworkManager) updateProtocolCacheDisabled(ctx context.Context) error {
	m.mu.Lock()
	disabled := m.userCacheDisabled || m.protocolReqInterceptionEnabled
	m.mu.Unlock()

	action := network.SetCacheDisabled(disabled)
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("unable to toggle cache on/off: %w", err)
	}
	return nil
}

func (m *NetworkManager) updateProtocolRequestInterception(ctx context.Context) error {
	m.mu.Lock()
	enabled := m.userReqInterceptionEnabled.Load() || m.credentials != nil
	if enabled == m.protocolReqInterceptionEnabled {
		m.mu.Unlock()
		return nil
	}
	m.protocolReqInterceptionEnabled = enabled
	userCacheDisabled := m.userCacheDisabled
	m.mu.Unlock()

	actions := []Action{
		network.SetCacheDisabled(true),
		fetch.Enable().
			WithHandleAuthRequests(true).
			WithPatterns([]*fetch.RequestPattern{
				{
					URLPattern:   "*",
					RequestStage: fetch.RequestStageRequest,
				},
			}),
	}
	if !enabled {
		actions = []Action{
			network.SetCacheDisabled(userCacheDisabled),
			fetch.Disable(),
		}
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
			return fmt.Errorf("cannot execute %T: %w", action, err)
		}
	}

	return nil
}

// Authenticate sets HTTP authentication credentials to use. Passing nil
// clears them.
func (m *NetworkManager) Authenticate(ctx context.Context, credentials *Credentials) error {
	m.mu.Lock()
	m.credentials = credentials
	m.mu.Unlock()

	if err := m.updateProtocolRequestInterception(ctx); err != nil {
		return fmt.Errorf("setting authentication credentials: %w", err)
	}
	return nil
}

// ExtraHTTPHeaders returns the currently set extra HTTP request headers.
func (m *NetworkManager) ExtraHTTPHeaders() network.Headers {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := make(network.Headers, len(m.extraHTTPHeaders))
	for k, v := range m.extraHTTPHeaders {
		h[k] = v
	}
	return h
}

// SetExtraHTTPHeaders sets extra HTTP request headers to be sent with every request.
func (m *NetworkManager) SetExtraHTTPHeaders(ctx context.Context, headers Headers) error {
	nh := headers.toNetwork()
	action := network.SetExtraHTTPHeaders(nh)
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("unable to set extra HTTP headers: %w", err)
	}

	m.mu.Lock()
	m.extraHTTPHeaders = nh
	m.mu.Unlock()

	return nil
}

// SetCacheEnabled toggles cache on/off. The cache stays disabled while
// requests are intercepted.
func (m *NetworkManager) SetCacheEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	m.userCacheDisabled = !enabled
	m.mu.Unlock()

	return m.updateProtocolCacheDisabled(ctx)
}
