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
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"

	"github.com/liuxd6825/browsercore/log"
	"github.com/liuxd6825/browsercore/trace"
)

// Ensure page implements the EventEmitter interface.
var _ EventEmitter = &Page{}

// Page ties the network and device prompt managers of a page target
// together. It re-emits the network events (EventPageRequest,
// EventPageResponse and the like) and emits EventPageClose once.
type Page struct {
	BaseEventEmitter

	ctx      context.Context
	cancel   context.CancelFunc
	session  session
	browser  cdp.Executor
	targetID target.ID
	logger   *log.Logger

	timeoutSettings *TimeoutSettings
	networkManager  *NetworkManager
	devicePrompts   *DeviceRequestPromptManager

	closed    atomic.Bool
	closeOnce sync.Once
	subs      []*Subscription
}

// NewPage creates the page of the target s is attached to. browser is the
// browser level executor used to close the target. parentTimeouts may be
// nil.
func NewPage(
	ctx context.Context, s session, browser cdp.Executor, parentTimeouts *TimeoutSettings,
	opts Options, tracer *trace.Tracer, logger *log.Logger,
) (*Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Page{
		ctx:             ctx,
		cancel:          cancel,
		session:         s,
		browser:         browser,
		targetID:        s.TargetID(),
		logger:          logger,
		timeoutSettings: NewTimeoutSettings(parentTimeouts),
	}

	nm, err := NewNetworkManager(ctx, s, opts.InterceptResolveTimeoutDuration(), tracer, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating network manager of page %s: %w", p.targetID, err)
	}
	p.networkManager = nm
	p.devicePrompts = NewDeviceRequestPromptManager(ctx, s, p.timeoutSettings, logger)

	p.initEvents()

	return p, nil
}

func (p *Page) initEvents() {
	p.subs = append(p.subs,
		p.networkManager.SubscribeAll(func(ev Event) {
			p.emit(ev.Type(), ev.Data())
		}),
		p.session.Subscribe([]string{EventSessionClosed}, func(Event) {
			p.didClose()
		}),
	)
}

// didClose releases the page once its target went away.
func (p *Page) didClose() {
	p.closeOnce.Do(func() {
		p.logger.Debugf("Page:didClose", "sid:%v tid:%v", p.session.ID(), p.targetID)

		p.closed.Store(true)
		p.networkManager.Close()
		p.networkManager.Unsubscribe(p.subs[0])
		p.session.Unsubscribe(p.subs[1])
		p.cancel()

		p.emit(EventPageClose, p)
	})
}

// TargetID returns the id of the page target.
func (p *Page) TargetID() target.ID { return p.targetID }

// SessionID returns the id of the session attached to the page target.
func (p *Page) SessionID() target.SessionID { return p.session.ID() }

// IsClosed reports whether the page was closed.
func (p *Page) IsClosed() bool { return p.closed.Load() }

// Close closes the page target.
func (p *Page) Close(ctx context.Context) error {
	if p.IsClosed() {
		return nil
	}
	if err := target.CloseTarget(p.targetID).Do(cdp.WithExecutor(ctx, p.browser)); err != nil {
		return fmt.Errorf("closing page %s: %w", p.targetID, err)
	}
	p.didClose()

	return nil
}

// SetDefaultTimeout sets the timeout of the waits that do not get one.
// Zero waits indefinitely.
func (p *Page) SetDefaultTimeout(timeout time.Duration) {
	p.timeoutSettings.SetDefaultTimeout(timeout)
}

// SetRequestInterception toggles request interception on/off.
func (p *Page) SetRequestInterception(ctx context.Context, enabled bool) error {
	return p.networkManager.SetRequestInterception(ctx, enabled)
}

// AddRequestInterceptor registers fn for the requests of the page.
func (p *Page) AddRequestInterceptor(fn RequestInterceptor) RequestInterceptorID {
	return p.networkManager.AddRequestInterceptor(fn)
}

// RemoveRequestInterceptor unregisters the interceptor with id.
func (p *Page) RemoveRequestInterceptor(id RequestInterceptorID) bool {
	return p.networkManager.RemoveRequestInterceptor(id)
}

// SetExtraHTTPHeaders sets headers sent with every request of the page.
func (p *Page) SetExtraHTTPHeaders(ctx context.Context, headers Headers) error {
	return p.networkManager.SetExtraHTTPHeaders(ctx, headers)
}

// ExtraHTTPHeaders returns the headers set with SetExtraHTTPHeaders.
func (p *Page) ExtraHTTPHeaders() network.Headers {
	return p.networkManager.ExtraHTTPHeaders()
}

// SetCacheEnabled toggles the browser cache of the page.
func (p *Page) SetCacheEnabled(ctx context.Context, enabled bool) error {
	return p.networkManager.SetCacheEnabled(ctx, enabled)
}

// Authenticate sets the credentials answering HTTP authentication
// challenges. Nil clears them.
func (p *Page) Authenticate(ctx context.Context, credentials *Credentials) error {
	return p.networkManager.Authenticate(ctx, credentials)
}

// WaitForDevicePrompt waits for the next device request prompt of the
// page. A nil opts uses the page default timeout.
func (p *Page) WaitForDevicePrompt(ctx context.Context, opts *WaitForOptions) (*DeviceRequestPrompt, error) {
	return p.devicePrompts.WaitForDevicePrompt(ctx, opts)
}
