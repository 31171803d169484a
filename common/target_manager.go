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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/liuxd6825/browsercore/errext"
	"github.com/liuxd6825/browsercore/log"
	"github.com/liuxd6825/browsercore/trace"
)

// Engine names a browser engine family.
type Engine string

// Supported engines.
const (
	EngineChromium Engine = "chromium"
	EngineFirefox  Engine = "firefox"
)

// TargetFilter decides whether a discovered target is attached to.
type TargetFilter func(info *target.Info) bool

// TargetInterceptor is called for every target attached through a session
// it was registered for. Returning an error vetoes the attachment and the
// target is detached silently. Interceptors may add initializers to t.
type TargetInterceptor interface {
	InterceptTarget(ctx context.Context, t *Target, parent *Target) error
}

// TargetManager discovers and attaches to targets and tracks their
// lifecycle. It emits EventTargetDiscovered, EventTargetAvailable,
// EventTargetChanged and EventTargetGone.
type TargetManager interface {
	EventEmitter
	Initialize(ctx context.Context) error
	AddTargetInterceptor(s *Session, i TargetInterceptor) error
	RemoveTargetInterceptor(s *Session, i TargetInterceptor) error
	AvailableTargets() (map[target.ID]*Target, error)
}

// NewTargetManager returns the target manager for engine.
func NewTargetManager(
	conn *Connection, engine Engine, filter TargetFilter, tracer *trace.Tracer, logger *log.Logger,
) (TargetManager, error) {
	switch engine {
	case EngineChromium, "":
		return NewChromeTargetManager(conn, filter, tracer, logger), nil
	case EngineFirefox:
		return &FirefoxTargetManager{}, nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", engine)
}

// ChromeTargetManager uses auto attach in flat mode to follow every target
// of the browser, including workers and out-of-process iframes.
type ChromeTargetManager struct {
	BaseEventEmitter

	conn   *Connection
	filter TargetFilter
	tracer *trace.Tracer
	logger *log.Logger

	mu              sync.Mutex
	discovered      map[target.ID]*target.Info
	filterDecisions map[target.ID]bool
	attached        map[target.ID]*Target
	bySession       map[target.SessionID]*Target
	ignored         map[target.ID]struct{}
	interceptors    map[target.SessionID][]TargetInterceptor
	initPending     map[target.ID]struct{}
	initStarted     bool
	initDone        chan struct{}
	initOnce        sync.Once
	subscriptions   []subscription
}

// subscription remembers which emitter a handler was registered with.
type subscription struct {
	emitter EventEmitter
	sub     *Subscription
}

// NewChromeTargetManager creates a target manager for Chromium based
// browsers. A nil filter accepts every target.
func NewChromeTargetManager(
	conn *Connection, filter TargetFilter, tracer *trace.Tracer, logger *log.Logger,
) *ChromeTargetManager {
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	return &ChromeTargetManager{
		conn:            conn,
		filter:          filter,
		tracer:          tracer,
		logger:          logger,
		discovered:      make(map[target.ID]*target.Info),
		filterDecisions: make(map[target.ID]bool),
		attached:        make(map[target.ID]*Target),
		bySession:       make(map[target.SessionID]*Target),
		ignored:         make(map[target.ID]struct{}),
		interceptors:    make(map[target.SessionID][]TargetInterceptor),
		initPending:     make(map[target.ID]struct{}),
		initDone:        make(chan struct{}),
	}
}

// Initialize enables target discovery and auto attach on the browser
// session, and waits until every target that existed when discovery was
// enabled and passes the filter is attached, ignored or gone.
func (m *ChromeTargetManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initStarted {
		m.mu.Unlock()
		return fmt.Errorf("%w: already initialized", ErrInitialization)
	}
	m.initStarted = true
	m.mu.Unlock()

	m.track(m.conn,
		m.conn.Subscribe([]string{cdproto.EventTargetTargetCreated}, m.onTargetCreated),
		m.conn.Subscribe([]string{cdproto.EventTargetTargetDestroyed}, m.onTargetDestroyed),
		m.conn.Subscribe([]string{cdproto.EventTargetTargetInfoChanged}, m.onTargetInfoChanged),
		m.conn.Subscribe([]string{cdproto.EventTargetTargetCrashed}, m.onTargetCrashed),
	)
	m.subscribeAttach(m.conn)

	execCtx := cdp.WithExecutor(ctx, m.conn)
	if err := target.SetDiscoverTargets(true).Do(execCtx); err != nil {
		return fmt.Errorf("%w: enabling target discovery: %w", ErrInitialization, err)
	}
	infos, err := target.GetTargets().Do(execCtx)
	if err != nil {
		return fmt.Errorf("%w: getting targets: %w", ErrInitialization, err)
	}
	m.storeExistingTargetsForInit(infos)

	if err := target.SetAutoAttach(true, true).WithFlatten(true).Do(execCtx); err != nil {
		return fmt.Errorf("%w: enabling auto attach: %w", ErrInitialization, err)
	}
	m.finishInitIfReady()

	select {
	case <-m.initDone:
		return nil
	case <-m.conn.Done():
		return fmt.Errorf("%w: %w", ErrInitialization, ErrConnectionClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for initial targets: %w", ErrInitialization, ctx.Err())
	}
}

func (m *ChromeTargetManager) storeExistingTargetsForInit(infos []*target.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range infos {
		if info.Type == "browser" {
			continue
		}
		if _, ok := m.discovered[info.TargetID]; !ok {
			cp := *info
			m.discovered[info.TargetID] = &cp
		}
		// the target may have attached or been ignored while discovery
		// was being enabled
		if _, ok := m.attached[info.TargetID]; ok {
			continue
		}
		if _, ok := m.ignored[info.TargetID]; ok {
			continue
		}
		if m.decideLocked(info) {
			m.initPending[info.TargetID] = struct{}{}
		}
	}
}

// decideLocked runs the filter once per target and caches its decision.
func (m *ChromeTargetManager) decideLocked(info *target.Info) bool {
	if ok, cached := m.filterDecisions[info.TargetID]; cached {
		return ok
	}
	ok := m.filter == nil || m.filter(info)
	m.filterDecisions[info.TargetID] = ok
	return ok
}

func (m *ChromeTargetManager) finishInitIfReady() {
	m.mu.Lock()
	ready := len(m.initPending) == 0
	m.mu.Unlock()

	if ready {
		m.initOnce.Do(func() { close(m.initDone) })
	}
}

func (m *ChromeTargetManager) settleInit(id target.ID) {
	m.mu.Lock()
	delete(m.initPending, id)
	m.mu.Unlock()
	m.finishInitIfReady()
}

func (m *ChromeTargetManager) track(e EventEmitter, subs ...*Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range subs {
		m.subscriptions = append(m.subscriptions, subscription{emitter: e, sub: sub})
	}
}

func (m *ChromeTargetManager) subscribeAttach(s session) {
	m.track(s,
		s.Subscribe([]string{cdproto.EventTargetAttachedToTarget}, func(ev Event) {
			if e, ok := ev.data.(*target.EventAttachedToTarget); ok {
				m.onAttachedToTarget(s, e)
			}
		}),
		s.Subscribe([]string{cdproto.EventTargetDetachedFromTarget}, func(ev Event) {
			if e, ok := ev.data.(*target.EventDetachedFromTarget); ok {
				m.onDetachedFromTarget(e)
			}
		}),
	)
}

func (m *ChromeTargetManager) onTargetCreated(ev Event) {
	e, ok := ev.data.(*target.EventTargetCreated)
	if !ok || e.TargetInfo == nil {
		return
	}
	info := *e.TargetInfo

	m.mu.Lock()
	if _, ok := m.discovered[info.TargetID]; ok {
		m.mu.Unlock()
		return
	}
	m.discovered[info.TargetID] = &info
	accepted := info.Type != "browser" && m.decideLocked(&info)
	m.mu.Unlock()

	m.logger.Debugf("TargetManager:onTargetCreated", "tid:%v type:%q accepted:%t", info.TargetID, info.Type, accepted)
	if accepted {
		cp := info
		m.emit(EventTargetDiscovered, &cp)
	}
}

func (m *ChromeTargetManager) onTargetDestroyed(ev Event) {
	e, ok := ev.data.(*target.EventTargetDestroyed)
	if !ok {
		return
	}

	m.mu.Lock()
	delete(m.discovered, e.TargetID)
	delete(m.filterDecisions, e.TargetID)
	delete(m.ignored, e.TargetID)
	t := m.attached[e.TargetID]
	if t != nil {
		delete(m.attached, e.TargetID)
		delete(m.bySession, t.session.ID())
	}
	m.mu.Unlock()

	m.settleInit(e.TargetID)
	if t != nil {
		m.gone(t, nil)
	}
}

func (m *ChromeTargetManager) onTargetInfoChanged(ev Event) {
	e, ok := ev.data.(*target.EventTargetInfoChanged)
	if !ok || e.TargetInfo == nil {
		return
	}
	info := *e.TargetInfo

	m.mu.Lock()
	if _, ok := m.ignored[info.TargetID]; ok {
		m.mu.Unlock()
		return
	}
	if _, ok := m.discovered[info.TargetID]; ok {
		m.discovered[info.TargetID] = &info
	}
	t := m.attached[info.TargetID]
	m.mu.Unlock()

	if t == nil {
		return
	}
	t.setInfo(&info)
	if t.State() == TargetAvailable {
		m.emit(EventTargetChanged, t)
	}
}

func (m *ChromeTargetManager) onTargetCrashed(ev Event) {
	e, ok := ev.data.(*target.EventTargetCrashed)
	if !ok {
		return
	}

	m.mu.Lock()
	t := m.attached[e.TargetID]
	m.mu.Unlock()

	if t != nil {
		m.logger.Warnf("TargetManager:onTargetCrashed", "tid:%v status:%q code:%d", e.TargetID, e.Status, e.ErrorCode)
		t.session.markAsCrashed()
	}
}

func (m *ChromeTargetManager) onAttachedToTarget(parent session, e *target.EventAttachedToTarget) {
	if e.TargetInfo == nil {
		return
	}
	info := *e.TargetInfo
	s := m.conn.Session(e.SessionID)
	if s == nil {
		// detached before the event got here
		m.settleInit(info.TargetID)
		return
	}
	ctx := m.conn.ctx

	m.mu.Lock()
	if known, ok := m.discovered[info.TargetID]; ok {
		mergeTargetInfo(&info, known)
	}
	cp := info
	m.discovered[info.TargetID] = &cp
	_, wasIgnored := m.ignored[info.TargetID]
	accepted := !wasIgnored && info.Type != "browser" && m.decideLocked(&info)
	parentTarget := m.bySession[parent.ID()]
	if !accepted {
		m.ignored[info.TargetID] = struct{}{}
		m.mu.Unlock()

		m.logger.Debugf("TargetManager:onAttachedToTarget",
			"tid:%v type:%q ignored:%t filtered out", info.TargetID, info.Type, wasIgnored)
		m.silentDetach(ctx, s)
		m.settleInit(info.TargetID)
		return
	}
	t := newTarget(&info, s, parentTarget)
	m.attached[info.TargetID] = t
	m.bySession[s.ID()] = t
	interceptors := append([]TargetInterceptor(nil), m.interceptors[parent.ID()]...)
	m.mu.Unlock()

	ctx, _ = m.tracer.TraceAttach(ctx, string(info.TargetID), info.Type, info.URL)

	for _, i := range interceptors {
		if err := i.InterceptTarget(ctx, t, parentTarget); err != nil {
			m.logger.Debugf("TargetManager:onAttachedToTarget", "tid:%v vetoed: %v", info.TargetID, err)
			m.drop(ctx, t, err)
			return
		}
	}

	// Follow the target's own children, e.g. its workers and OOPIFs.
	m.subscribeAttach(s)
	execCtx := cdp.WithExecutor(ctx, s)
	if err := target.SetAutoAttach(true, true).WithFlatten(true).Do(execCtx); err != nil {
		m.logger.Debugf("TargetManager:onAttachedToTarget", "tid:%v enabling auto attach: %v", info.TargetID, err)
	}
	if err := t.runInitializers(ctx); err != nil {
		m.logger.Errorf("TargetManager:onAttachedToTarget", "tid:%v initializing: %v", info.TargetID, err)
		m.drop(ctx, t, err)
		return
	}
	if e.WaitingForDebugger {
		if err := cdpruntime.RunIfWaitingForDebugger().Do(execCtx); err != nil {
			m.logger.Debugf("TargetManager:onAttachedToTarget", "tid:%v resuming: %v", info.TargetID, err)
		}
	}

	if s.Closed() {
		m.drop(ctx, t, newSessionClosedError(s.ID()))
		return
	}
	t.setState(TargetAvailable)
	m.emit(EventTargetAvailable, t)
	m.settleInit(info.TargetID)
}

// mergeTargetInfo fills the fields attachedToTarget left empty with the
// ones known from discovery.
func mergeTargetInfo(info, known *target.Info) {
	if info.Title == "" {
		info.Title = known.Title
	}
	if info.URL == "" {
		info.URL = known.URL
	}
	if info.OpenerID == "" {
		info.OpenerID = known.OpenerID
	}
	if info.BrowserContextID == "" {
		info.BrowserContextID = known.BrowserContextID
	}
}

// drop forgets a target that did not make it to available and detaches
// from it without emitting anything.
func (m *ChromeTargetManager) drop(ctx context.Context, t *Target, reason error) {
	m.mu.Lock()
	if m.attached[t.ID()] == t {
		delete(m.attached, t.ID())
	}
	delete(m.bySession, t.session.ID())
	m.ignored[t.ID()] = struct{}{}
	m.mu.Unlock()

	t.setState(TargetGone)
	m.silentDetach(ctx, t.session)
	m.settleInit(t.ID())
	m.tracer.EndTarget(string(t.ID()), reason)
}

// silentDetach resumes a target paused on start and detaches from it.
func (m *ChromeTargetManager) silentDetach(ctx context.Context, s *Session) {
	if err := cdpruntime.RunIfWaitingForDebugger().Do(cdp.WithExecutor(ctx, s)); err != nil {
		m.logger.Debugf("TargetManager:silentDetach", "sid:%v resuming: %v", s.ID(), err)
	}
	if err := s.Detach(ctx); err != nil {
		m.logger.Debugf("TargetManager:silentDetach", "sid:%v detaching: %v", s.ID(), err)
	}
}

func (m *ChromeTargetManager) onDetachedFromTarget(e *target.EventDetachedFromTarget) {
	m.mu.Lock()
	t := m.bySession[e.SessionID]
	if t != nil {
		delete(m.bySession, e.SessionID)
		if m.attached[t.ID()] == t {
			delete(m.attached, t.ID())
		}
	}
	m.mu.Unlock()

	if t == nil {
		return
	}
	m.settleInit(t.ID())
	m.gone(t, nil)
}

func (m *ChromeTargetManager) gone(t *Target, reason error) {
	wasAvailable := t.State() == TargetAvailable
	t.setState(TargetGone)
	m.tracer.EndTarget(string(t.ID()), reason)
	if wasAvailable {
		m.emit(EventTargetGone, t)
	}
}

// AddTargetInterceptor registers i for targets attached through s. A nil
// session means targets attached at browser level.
func (m *ChromeTargetManager) AddTargetInterceptor(s *Session, i TargetInterceptor) error {
	key := interceptorKey(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptors[key] = append(m.interceptors[key], i)

	return nil
}

// RemoveTargetInterceptor unregisters i from s.
func (m *ChromeTargetManager) RemoveTargetInterceptor(s *Session, i TargetInterceptor) error {
	key := interceptorKey(s)

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.interceptors[key]
	for idx, registered := range list {
		if registered == i {
			m.interceptors[key] = append(list[:idx:idx], list[idx+1:]...)
			break
		}
	}
	if len(m.interceptors[key]) == 0 {
		delete(m.interceptors, key)
	}

	return nil
}

func interceptorKey(s *Session) target.SessionID {
	if s == nil {
		return ""
	}
	return s.ID()
}

// AvailableTargets returns a copy of the available targets by id.
func (m *ChromeTargetManager) AvailableTargets() (map[target.ID]*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[target.ID]*Target, len(m.attached))
	for id, t := range m.attached {
		if t.State() == TargetAvailable {
			out[id] = t
		}
	}
	return out, nil
}

// Close stops following targets.
func (m *ChromeTargetManager) Close() {
	m.mu.Lock()
	subs := m.subscriptions
	m.subscriptions = nil
	m.mu.Unlock()

	for _, s := range subs {
		s.emitter.Unsubscribe(s.sub)
	}
}

// FirefoxTargetManager is the target manager of Firefox. It is not
// implemented and every operation fails with ErrNotSupported.
type FirefoxTargetManager struct {
	BaseEventEmitter
}

func errFirefoxNotSupported(op string) error {
	return errext.WithHint(
		fmt.Errorf("FirefoxTargetManager.%s: %w", op, ErrNotSupported),
		"target management over CDP is only available for Chromium based browsers",
	)
}

// Initialize fails with ErrNotSupported.
func (*FirefoxTargetManager) Initialize(context.Context) error {
	return errFirefoxNotSupported("Initialize")
}

// AddTargetInterceptor fails with ErrNotSupported.
func (*FirefoxTargetManager) AddTargetInterceptor(*Session, TargetInterceptor) error {
	return errFirefoxNotSupported("AddTargetInterceptor")
}

// RemoveTargetInterceptor fails with ErrNotSupported.
func (*FirefoxTargetManager) RemoveTargetInterceptor(*Session, TargetInterceptor) error {
	return errFirefoxNotSupported("RemoveTargetInterceptor")
}

// AvailableTargets fails with ErrNotSupported.
func (*FirefoxTargetManager) AvailableTargets() (map[target.ID]*Target, error) {
	return nil, errFirefoxNotSupported("AvailableTargets")
}
