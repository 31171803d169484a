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
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/browsercore/tests/ws"
)

// withAutoAttach attaches the default page target when auto attach is
// enabled at browser level and hands everything else to next.
func withAutoAttach(next ws.Handler) ws.Handler {
	return func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
		if msg.SessionID == "" && msg.Method == cdproto.MethodType(target.CommandSetAutoAttach) {
			ws.Send(out, done,
				ws.AttachedToTarget("", ws.DefaultSessionID, ws.DefaultTargetID, "page", "about:blank"),
				ws.Reply(msg, ""),
			)
			return
		}
		next(msg, out, done)
	}
}

func newTestSession(t *testing.T, handler ws.Handler, cmds *ws.CommandLog) (*Connection, *Session) {
	t.Helper()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", withAutoAttach(handler), cmds))
	conn := newTestConnection(t, server, "/cdp")

	err := target.SetAutoAttach(true, true).WithFlatten(true).Do(cdp.WithExecutor(context.Background(), conn))
	require.NoError(t, err)
	s := conn.Session(ws.DefaultSessionID)
	require.NotNil(t, s)

	return conn, s
}

func TestSessionExecute(t *testing.T) {
	t.Parallel()

	t.Run("send and receive", func(t *testing.T) {
		t.Parallel()

		cmds := &ws.CommandLog{}
		_, s := newTestSession(t, ws.CDPDefaultHandler, cmds)

		require.NoError(t, s.Execute(context.Background(), cdproto.CommandPageEnable, nil, nil))
		assert.True(t, cmds.Contains(cdproto.CommandPageEnable))
		assert.Equal(t, ws.DefaultTargetID, s.TargetID())
	})

	t.Run("close target is refused", func(t *testing.T) {
		t.Parallel()

		cmds := &ws.CommandLog{}
		_, s := newTestSession(t, ws.CDPDefaultHandler, cmds)

		err := s.Execute(context.Background(), target.CommandCloseTarget, nil, nil)
		require.ErrorContains(t, err, "to close the target, cancel its context")
		assert.False(t, cmds.Contains(target.CommandCloseTarget))
	})

	t.Run("crashed", func(t *testing.T) {
		t.Parallel()

		_, s := newTestSession(t, ws.CDPDefaultHandler, nil)
		s.markAsCrashed()

		err := s.Execute(context.Background(), cdproto.CommandPageEnable, nil, nil)
		require.ErrorIs(t, err, ErrTargetCrashed)
	})
}

func TestSessionDetach(t *testing.T) {
	t.Parallel()

	t.Run("later commands fail", func(t *testing.T) {
		t.Parallel()

		cmds := &ws.CommandLog{}
		conn, s := newTestSession(t, ws.CDPDefaultHandler, cmds)

		closed := make(chan struct{})
		s.Subscribe([]string{EventSessionClosed}, func(Event) { close(closed) })

		require.NoError(t, s.Detach(context.Background()))
		assert.True(t, s.Closed())
		assert.Nil(t, conn.Session(s.ID()))
		assert.True(t, cmds.Contains(target.CommandDetachFromTarget))

		err := s.Execute(context.Background(), cdproto.CommandPageEnable, nil, nil)
		require.ErrorIs(t, err, ErrSessionClosed)
		assert.EqualError(t, err, fmt.Sprintf("session %s closed", ws.DefaultSessionID))

		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatal("session close event was not emitted")
		}

		// detaching twice is fine
		require.NoError(t, s.Detach(context.Background()))
	})

	t.Run("in-flight commands fail", func(t *testing.T) {
		t.Parallel()

		cmds := &ws.CommandLog{}
		// Page.enable is never answered
		handler := func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
			if msg.Method == cdproto.CommandPageEnable {
				return
			}
			ws.Send(out, done, ws.Reply(msg, ""))
		}
		_, s := newTestSession(t, handler, cmds)

		res := make(chan error, 1)
		go func() {
			res <- s.Execute(context.Background(), cdproto.CommandPageEnable, nil, nil)
		}()
		require.Eventually(t, func() bool {
			return cmds.Contains(cdproto.CommandPageEnable)
		}, 5*time.Second, time.Millisecond)

		require.NoError(t, s.Detach(context.Background()))

		select {
		case err := <-res:
			require.ErrorIs(t, err, ErrSessionClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight command was not failed")
		}
	})

	t.Run("detached by the browser", func(t *testing.T) {
		t.Parallel()

		handler := func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
			if msg.Method == cdproto.CommandPageEnable {
				ws.Send(out, done,
					ws.Event("", cdproto.EventTargetDetachedFromTarget,
						`{"sessionId":"`+string(ws.DefaultSessionID)+`","targetId":"`+string(ws.DefaultTargetID)+`"}`),
					ws.Reply(msg, ""),
				)
				return
			}
			ws.Send(out, done, ws.Reply(msg, ""))
		}
		conn, s := newTestSession(t, handler, nil)

		err := s.Execute(context.Background(), cdproto.CommandPageEnable, nil, nil)
		require.ErrorIs(t, err, ErrSessionClosed)
		assert.True(t, s.Closed())
		assert.Nil(t, conn.Session(ws.DefaultSessionID))

		select {
		case <-s.Done():
		default:
			t.Fatal("session is not done")
		}
	})

	t.Run("closes child sessions", func(t *testing.T) {
		t.Parallel()

		const childID target.SessionID = "child_session"
		handler := func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
			if msg.SessionID == ws.DefaultSessionID && msg.Method == cdproto.MethodType(target.CommandSetAutoAttach) {
				ws.Send(out, done,
					ws.AttachedToTarget(ws.DefaultSessionID, childID, "worker_id", "worker", ""),
					ws.Reply(msg, ""),
				)
				return
			}
			ws.Send(out, done, ws.Reply(msg, ""))
		}
		conn, s := newTestSession(t, handler, nil)

		err := target.SetAutoAttach(true, true).WithFlatten(true).Do(cdp.WithExecutor(context.Background(), s))
		require.NoError(t, err)
		child := conn.Session(childID)
		require.NotNil(t, child)

		require.NoError(t, s.Detach(context.Background()))
		assert.True(t, child.Closed())
		assert.Nil(t, conn.Session(childID))
	})
}

func TestSessionEventOrder(t *testing.T) {
	t.Parallel()

	const n = 50
	handler := func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
		if msg.Method == cdproto.CommandPageEnable {
			for i := 1; i <= n; i++ {
				ws.Send(out, done, ws.Event(ws.DefaultSessionID, "Custom.event", fmt.Sprintf(`{"n":%d}`, i)))
			}
		}
		ws.Send(out, done, ws.Reply(msg, ""))
	}
	_, s := newTestSession(t, handler, nil)

	var (
		mu  sync.Mutex
		got []int64
	)
	s.Subscribe([]string{"Custom.event"}, func(ev Event) {
		msg := ev.Data().(*cdproto.Message) //nolint:forcetypeassert
		mu.Lock()
		got = append(got, gjson.GetBytes(msg.Params, "n").Int())
		mu.Unlock()
	})

	require.NoError(t, s.Execute(context.Background(), cdproto.CommandPageEnable, nil, nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, int64(i+1), v)
	}
}

func TestSessionHandlerMayWaitOnCommands(t *testing.T) {
	t.Parallel()

	handler := func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
		if msg.Method == cdproto.CommandPageEnable {
			ws.Send(out, done, ws.Event(ws.DefaultSessionID, "Custom.event", `{}`))
		}
		ws.Send(out, done, ws.Reply(msg, ""))
	}
	_, s := newTestSession(t, handler, nil)

	res := make(chan error, 1)
	s.Subscribe([]string{"Custom.event"}, func(Event) {
		res <- s.Execute(context.Background(), cdproto.CommandRuntimeEnable, nil, nil)
	})
	require.NoError(t, s.Execute(context.Background(), cdproto.CommandPageEnable, nil, nil))

	select {
	case err := <-res:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("command issued from an event handler got no reply")
	}
}
