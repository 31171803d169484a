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
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/liuxd6825/browsercore/log"
	"github.com/liuxd6825/browsercore/trace"
)

// Ensure Browser implements the EventEmitter and TargetInterceptor interfaces
var (
	_ EventEmitter      = &Browser{}
	_ TargetInterceptor = &Browser{}
)

const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

const tracesShutdownTimeout = 5 * time.Second

// Browser is a connection to a running browser. It follows the targets of
// the browser and creates a Page for every page target.
type Browser struct {
	BaseEventEmitter

	ctx      context.Context
	cancelFn context.CancelFunc

	state atomic.Int64

	opts            Options
	conn            *Connection
	targetManager   TargetManager
	provider        *trace.Provider
	tracer          *trace.Tracer
	timeoutSettings *TimeoutSettings
	logger          *log.Logger

	pagesMu sync.RWMutex
	pages   map[target.ID]*Page

	disconnectOnce sync.Once
}

// NewBrowser connects to the browser at opts.WSURL and waits until the
// targets that already exist are attached.
func NewBrowser(ctx context.Context, opts Options, logger *log.Logger) (*Browser, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Browser{
		ctx:             ctx,
		cancelFn:        cancel,
		opts:            opts,
		timeoutSettings: NewTimeoutSettings(nil),
		logger:          logger,
		pages:           make(map[target.ID]*Page),
	}
	b.timeoutSettings.SetDefaultTimeout(opts.TimeoutDuration())

	if err := b.connect(); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

func (b *Browser) connect() error {
	b.tracer = trace.NewNoopTracer()
	if endpoint := b.opts.TracesEndpoint.String; endpoint != "" {
		provider, err := trace.NewHTTPProvider(b.ctx, endpoint)
		if err != nil {
			return err
		}
		b.provider = provider
		b.tracer = trace.NewTracer(provider, map[string]string{"engine": b.opts.Engine.String})
	}

	b.logger.Debugf("Browser:connect", "wsURL:%q engine:%s", b.opts.WSURL.String, b.opts.Engine.String)
	conn, err := NewConnection(b.ctx, b.opts.WSURL.String, b.logger)
	if err != nil {
		return err
	}
	b.conn = conn
	conn.Subscribe([]string{EventConnectionClose}, func(Event) { b.onDisconnected() })

	tm, err := NewTargetManager(conn, Engine(b.opts.Engine.String), nil, b.tracer, b.logger)
	if err != nil {
		return err
	}
	b.targetManager = tm
	if err := tm.AddTargetInterceptor(nil, b); err != nil {
		return err
	}
	tm.Subscribe([]string{EventTargetAvailable, EventTargetGone}, b.onTargetEvent)

	return tm.Initialize(b.ctx)
}

// InterceptTarget creates the Page of page targets before they become
// available.
func (b *Browser) InterceptTarget(_ context.Context, t *Target, _ *Target) error {
	if t.Type() != "page" {
		return nil
	}
	t.AddInitializer(func(_ context.Context, t *Target) error {
		p, err := NewPage(b.ctx, t.Session(), b.conn, b.timeoutSettings, b.opts, b.tracer, b.logger)
		if err != nil {
			return err
		}

		b.pagesMu.Lock()
		b.pages[t.ID()] = p
		b.pagesMu.Unlock()

		return nil
	})

	return nil
}

func (b *Browser) onTargetEvent(ev Event) {
	t, ok := ev.Data().(*Target)
	if !ok {
		return
	}

	switch ev.Type() {
	case EventTargetAvailable:
		if p := b.Page(t.ID()); p != nil {
			b.logger.Debugf("Browser:onTargetEvent", "tid:%v url:%q page available", t.ID(), t.URL())
			b.emit(EventBrowserPage, p)
		}
	case EventTargetGone:
		b.pagesMu.Lock()
		delete(b.pages, t.ID())
		b.pagesMu.Unlock()
	}
}

func (b *Browser) onDisconnected() {
	b.disconnectOnce.Do(func() {
		b.state.Store(BrowserStateClosed)
		b.emit(EventBrowserDisconnected, b)
	})
}

// Page returns the page of the target with id or nil.
func (b *Browser) Page(id target.ID) *Page {
	b.pagesMu.RLock()
	defer b.pagesMu.RUnlock()
	return b.pages[id]
}

// Pages returns the open pages ordered by target id.
func (b *Browser) Pages() []*Page {
	b.pagesMu.RLock()
	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		if !p.IsClosed() {
			pages = append(pages, p)
		}
	}
	b.pagesMu.RUnlock()

	sort.Slice(pages, func(i, j int) bool { return pages[i].TargetID() < pages[j].TargetID() })
	return pages
}

// TargetManager returns the target manager following the browser targets.
func (b *Browser) TargetManager() TargetManager { return b.targetManager }

// IsConnected returns whether the connection to the browser is open.
func (b *Browser) IsConnected() bool {
	return b.state.Load() == BrowserStateOpen
}

// Version returns the browser version, e.g. "120.0.6099.28".
func (b *Browser) Version(ctx context.Context) (string, error) {
	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}
	i := strings.Index(product, "/")
	if i == -1 {
		return product, nil
	}
	return product[i+1:], nil
}

// UserAgent returns the default user agent of the browser.
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	_, _, _, userAgent, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser user agent: %w", err)
	}
	return userAgent, nil
}

// Close closes the connection to the browser. The browser keeps running.
func (b *Browser) Close() {
	if !b.state.CompareAndSwap(BrowserStateOpen, BrowserStateClosing) {
		return
	}

	if c, ok := b.targetManager.(interface{ Close() }); ok {
		c.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.cancelFn()

	ctx, cancel := context.WithTimeout(context.Background(), tracesShutdownTimeout)
	defer cancel()
	if err := b.provider.Shutdown(ctx); err != nil {
		b.logger.Warnf("Browser:Close", "flushing traces: %v", err)
	}

	b.state.Store(BrowserStateClosed)
}
