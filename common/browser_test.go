package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/browsercore/errext"
	"github.com/liuxd6825/browsercore/log"
	"github.com/liuxd6825/browsercore/tests/ws"
)

// fakeBrowserWithPages adds version and target closing support to
// fakeBrowserHandler.
func fakeBrowserWithPages(targets ...fakeTarget) ws.Handler {
	next := fakeBrowserHandler(targets...)

	return func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
		switch {
		case msg.SessionID == "" && msg.Method == cdproto.CommandBrowserGetVersion:
			ws.Send(out, done, ws.Reply(msg, `{
				"protocolVersion": "1.3",
				"product": "HeadlessChrome/120.0.6099.28",
				"revision": "@1",
				"userAgent": "Mozilla/5.0 HeadlessChrome/120.0.6099.28",
				"jsVersion": "12.0.267.8"
			}`))
		case msg.SessionID == "" && msg.Method == cdproto.CommandTargetCloseTarget:
			id := gjson.GetBytes(msg.Params, "targetId").String()
			var sess string
			for _, ft := range targets {
				if string(ft.id) == id {
					sess = string(ft.sess)
				}
			}
			ws.Send(out, done,
				ws.Event("", cdproto.EventTargetDetachedFromTarget, `{"sessionId":"`+sess+`","targetId":"`+id+`"}`),
				ws.Event("", cdproto.EventTargetTargetDestroyed, `{"targetId":"`+id+`"}`),
				ws.Reply(msg, `{"success":true}`),
			)
		default:
			next(msg, out, done)
		}
	}
}

func newTestBrowser(t *testing.T, opts Options, targets ...fakeTarget) (*Browser, *ws.CommandLog) {
	t.Helper()

	cmds := &ws.CommandLog{}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", fakeBrowserWithPages(targets...), cmds))

	opts = NewOptions().Apply(Options{WSURL: null.StringFrom(server.URL("/cdp"))}).Apply(opts)
	b, err := NewBrowser(context.Background(), opts, log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	return b, cmds
}

func TestNewBrowser(t *testing.T) {
	t.Parallel()

	t.Run("creates the pages of existing targets", func(t *testing.T) {
		t.Parallel()

		b, cmds := newTestBrowser(t, Options{}, pageB, worker, pageA)

		pages := b.Pages()
		require.Len(t, pages, 2)
		assert.Equal(t, pageA.id, pages[0].TargetID())
		assert.Equal(t, pageB.id, pages[1].TargetID())
		assert.Equal(t, pageA.sess, pages[0].SessionID())
		assert.Nil(t, b.Page(worker.id))
		assert.True(t, b.IsConnected())
		assert.True(t, cmds.Contains(cdproto.CommandNetworkEnable))
	})

	t.Run("invalid options", func(t *testing.T) {
		t.Parallel()

		_, err := NewBrowser(context.Background(), NewOptions(), log.NewNullLogger())
		require.ErrorIs(t, err, ErrInvalidOptions)
	})

	t.Run("unreachable browser", func(t *testing.T) {
		t.Parallel()

		opts := NewOptions().Apply(Options{WSURL: null.StringFrom("ws://127.0.0.1:1/devtools/browser/x")})
		_, err := NewBrowser(context.Background(), opts, log.NewNullLogger())
		require.ErrorContains(t, err, "connecting to browser DevTools URL")
	})

	t.Run("firefox", func(t *testing.T) {
		t.Parallel()

		server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))
		opts := NewOptions().Apply(Options{
			WSURL:  null.StringFrom(server.URL("/cdp")),
			Engine: null.StringFrom(string(EngineFirefox)),
		})

		_, err := NewBrowser(context.Background(), opts, log.NewNullLogger())
		require.ErrorIs(t, err, ErrNotSupported)

		var herr errext.HasHint
		require.True(t, errors.As(err, &herr))
	})

	t.Run("invalid traces endpoint", func(t *testing.T) {
		t.Parallel()

		server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))
		opts := NewOptions().Apply(Options{
			WSURL:          null.StringFrom(server.URL("/cdp")),
			TracesEndpoint: null.StringFrom("localhost:4318"),
		})

		_, err := NewBrowser(context.Background(), opts, log.NewNullLogger())
		require.ErrorContains(t, err, "invalid traces endpoint")
	})
}

func TestBrowserVersion(t *testing.T) {
	t.Parallel()

	b, _ := newTestBrowser(t, Options{}, pageA)

	version, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "120.0.6099.28", version)

	ua, err := b.UserAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 HeadlessChrome/120.0.6099.28", ua)
}

func TestBrowserPageClose(t *testing.T) {
	t.Parallel()

	b, cmds := newTestBrowser(t, Options{}, pageA, pageB)

	p := b.Page(pageA.id)
	require.NotNil(t, p)

	closed := make(chan struct{})
	p.Subscribe([]string{EventPageClose}, func(Event) { close(closed) })

	require.NoError(t, p.Close(context.Background()))
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("page was not closed")
	}

	assert.True(t, cmds.Contains(cdproto.CommandTargetCloseTarget))
	require.Eventually(t, func() bool {
		return b.Page(pageA.id) == nil
	}, 5*time.Second, time.Millisecond)
	require.Len(t, b.Pages(), 1)
	assert.Equal(t, pageB.id, b.Pages()[0].TargetID())
}

func TestBrowserClose(t *testing.T) {
	t.Parallel()

	b, _ := newTestBrowser(t, Options{Timeout: null.IntFrom(1000)}, pageA)

	var (
		mu            sync.Mutex
		disconnected  int
		disconnectedB any
	)
	b.Subscribe([]string{EventBrowserDisconnected}, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		disconnected++
		disconnectedB = ev.Data()
	})

	b.Close()
	b.Close()

	assert.False(t, b.IsConnected())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected == 1
	}, 5*time.Second, time.Millisecond)
	mu.Lock()
	assert.Same(t, b, disconnectedB)
	mu.Unlock()

	_, err := b.Version(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)
}
