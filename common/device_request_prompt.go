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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/deviceaccess"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/browsercore/log"
	"github.com/liuxd6825/browsercore/watchdog"
)

// WaitForOptions are the options of the device prompt waits.
type WaitForOptions struct {
	// Timeout in milliseconds. Unset means the default timeout, 0 means
	// waiting indefinitely.
	Timeout null.Int `json:"timeout"`
}

// DeviceRequestPromptDevice is a device offered by a device request prompt.
type DeviceRequestPromptDevice struct {
	ID   deviceaccess.DeviceID
	Name string
}

// DeviceRequestPromptManager waits for device request prompts (bluetooth,
// USB and the like) shown by a target.
type DeviceRequestPromptManager struct {
	ctx             context.Context
	session         session
	timeoutSettings *TimeoutSettings
	logger          *log.Logger

	enableMu sync.Mutex
	enabled  bool

	waiters watchdog.Group[struct{}, *DeviceRequestPrompt]
}

// NewDeviceRequestPromptManager creates a manager for the prompts of s.
func NewDeviceRequestPromptManager(
	ctx context.Context, s session, ts *TimeoutSettings, logger *log.Logger,
) *DeviceRequestPromptManager {
	return &DeviceRequestPromptManager{
		ctx:             ctx,
		session:         s,
		timeoutSettings: ts,
		logger:          logger,
	}
}

// WaitForDevicePrompt waits for the next device request prompt. Concurrent
// callers receive the same prompt.
func (m *DeviceRequestPromptManager) WaitForDevicePrompt(
	ctx context.Context, opts *WaitForOptions,
) (*DeviceRequestPrompt, error) {
	var explicit null.Int
	if opts != nil {
		explicit = opts.Timeout
	}
	timeout := m.timeoutSettings.resolve(explicit)

	prompt, err := m.waiters.Wait(ctx, struct{}{}, timeout, m.subscribe)
	if errors.Is(err, watchdog.ErrTimeout) {
		return nil, &TimeoutError{Waiting: "DeviceRequestPrompt", Timeout: timeout}
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for device request prompt: %w", err)
	}

	return prompt, nil
}

func (m *DeviceRequestPromptManager) subscribe(
	resolve func(*DeviceRequestPrompt), reject func(error),
) (func(), error) {
	sub := m.session.Subscribe([]string{cdproto.EventDeviceAccessDeviceRequestPrompted}, func(ev Event) {
		e, ok := ev.data.(*deviceaccess.EventDeviceRequestPrompted)
		if !ok {
			return
		}
		m.logger.Debugf("DeviceRequestPromptManager:onDeviceRequestPrompted", "sid:%v id:%v devices:%d",
			m.session.ID(), e.ID, len(e.Devices))
		resolve(newDeviceRequestPrompt(m.session, m.timeoutSettings, e))
	})
	go func() {
		if err := m.enable(); err != nil {
			reject(err)
		}
	}()

	return func() { m.session.Unsubscribe(sub) }, nil
}

// enable enables the DeviceAccess domain the first time it is needed.
func (m *DeviceRequestPromptManager) enable() error {
	m.enableMu.Lock()
	defer m.enableMu.Unlock()

	if m.enabled {
		return nil
	}
	if err := deviceaccess.Enable().Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("enabling device access: %w", err)
	}
	m.enabled = true

	return nil
}

type deviceWaiter struct {
	predicate func(*DeviceRequestPromptDevice) bool
	cell      *watchdog.Cell[*DeviceRequestPromptDevice]
}

// DeviceRequestPrompt is a prompt asking the user to pick a device. Its
// device list grows while the browser keeps scanning.
type DeviceRequestPrompt struct {
	session         session
	timeoutSettings *TimeoutSettings
	id              deviceaccess.RequestID

	mu      sync.Mutex
	devices []*DeviceRequestPromptDevice
	handled bool
	waiters map[*deviceWaiter]struct{}
	sub     *Subscription
}

func newDeviceRequestPrompt(
	s session, ts *TimeoutSettings, ev *deviceaccess.EventDeviceRequestPrompted,
) *DeviceRequestPrompt {
	p := &DeviceRequestPrompt{
		session:         s,
		timeoutSettings: ts,
		id:              ev.ID,
		waiters:         make(map[*deviceWaiter]struct{}),
	}
	p.update(ev.Devices)
	p.sub = s.Subscribe([]string{cdproto.EventDeviceAccessDeviceRequestPrompted}, func(ev Event) {
		if e, ok := ev.data.(*deviceaccess.EventDeviceRequestPrompted); ok && e.ID == p.id {
			p.update(e.Devices)
		}
	})

	return p
}

// ID returns the prompt id.
func (p *DeviceRequestPrompt) ID() deviceaccess.RequestID {
	return p.id
}

// Devices returns the devices known so far.
func (p *DeviceRequestPrompt) Devices() []*DeviceRequestPromptDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DeviceRequestPromptDevice(nil), p.devices...)
}

// update records the devices not seen yet and offers them to the waiters.
// Predicates run without holding p.mu.
func (p *DeviceRequestPrompt) update(devices []*deviceaccess.PromptDevice) {
	p.mu.Lock()
	known := make(map[deviceaccess.DeviceID]struct{}, len(p.devices))
	for _, d := range p.devices {
		known[d.ID] = struct{}{}
	}
	var added []*DeviceRequestPromptDevice
	for _, d := range devices {
		if _, ok := known[d.ID]; ok {
			continue
		}
		known[d.ID] = struct{}{}
		dev := &DeviceRequestPromptDevice{ID: d.ID, Name: d.Name}
		p.devices = append(p.devices, dev)
		added = append(added, dev)
	}
	waiters := make([]*deviceWaiter, 0, len(p.waiters))
	for w := range p.waiters {
		waiters = append(waiters, w)
	}
	p.mu.Unlock()

	for _, w := range waiters {
		for _, dev := range added {
			if w.predicate(dev) {
				w.cell.Resolve(dev)
				break
			}
		}
	}
}

// WaitForDevice waits for the first device matching predicate, including
// the devices already listed.
func (p *DeviceRequestPrompt) WaitForDevice(
	ctx context.Context, predicate func(*DeviceRequestPromptDevice) bool, opts *WaitForOptions,
) (*DeviceRequestPromptDevice, error) {
	// Registered along with the snapshot so that later devices reach it
	// through update.
	w := &deviceWaiter{predicate: predicate, cell: watchdog.NewCell[*DeviceRequestPromptDevice]()}
	p.mu.Lock()
	listed := append([]*DeviceRequestPromptDevice(nil), p.devices...)
	p.waiters[w] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiters, w)
		p.mu.Unlock()
	}()

	for _, d := range listed {
		if predicate(d) {
			return d, nil
		}
	}

	var explicit null.Int
	if opts != nil {
		explicit = opts.Timeout
	}
	timeout := p.timeoutSettings.resolve(explicit)

	d, err := watchdog.Wait(ctx, w.cell, timeout)
	if errors.Is(err, watchdog.ErrTimeout) {
		return nil, &TimeoutError{Waiting: "DeviceRequestPromptDevice", Timeout: timeout}
	}
	return d, err
}

// markHandled flags the prompt as handled and stops tracking its devices.
func (p *DeviceRequestPrompt) markHandled() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handled {
		return ErrPromptAlreadyHandled
	}
	p.handled = true
	p.session.Unsubscribe(p.sub)

	return nil
}

// Select picks device, which must be one of the prompt's devices.
func (p *DeviceRequestPrompt) Select(ctx context.Context, device *DeviceRequestPromptDevice) error {
	p.mu.Lock()
	known := false
	for _, d := range p.devices {
		if device != nil && d.ID == device.ID {
			known = true
			break
		}
	}
	p.mu.Unlock()

	if !known {
		return ErrUnknownDevice
	}
	if err := p.markHandled(); err != nil {
		return err
	}

	return deviceaccess.SelectPrompt(p.id, device.ID).Do(cdp.WithExecutor(ctx, p.session))
}

// Cancel dismisses the prompt.
func (p *DeviceRequestPrompt) Cancel(ctx context.Context) error {
	if err := p.markHandled(); err != nil {
		return err
	}

	return deviceaccess.CancelPrompt(p.id).Do(cdp.WithExecutor(ctx, p.session))
}
