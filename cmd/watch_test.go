package cmd

import (
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/browsercore/tests/ws"
)

// pageLoadingStylesheet makes the page load a stylesheet as soon as
// request interception is enabled. failed receives the requestId of every
// Fetch.failRequest.
func pageLoadingStylesheet(failed chan<- string) ws.Handler {
	var once sync.Once

	return func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
		sid := target.SessionID(testPage.sess)

		switch msg.Method {
		case cdproto.CommandFetchEnable:
			ws.Send(out, done, ws.Reply(msg, ""))
			once.Do(func() {
				ws.Send(out, done,
					ws.Event(sid, cdproto.EventNetworkRequestWillBeSent, `{
						"requestId": "r1",
						"loaderId": "L1",
						"documentURL": "https://example.com/",
						"request": {"url": "https://example.com/a.css", "method": "GET", "headers": {}},
						"timestamp": 1,
						"wallTime": 1,
						"type": "Stylesheet"
					}`),
					ws.Event(sid, cdproto.EventFetchRequestPaused, `{
						"requestId": "interception-r1",
						"request": {"url": "https://example.com/a.css", "method": "GET", "headers": {}},
						"frameId": "F1",
						"resourceType": "Stylesheet",
						"networkId": "r1"
					}`),
				)
			})
		case cdproto.CommandFetchFailRequest:
			ws.Send(out, done, ws.Reply(msg, ""))
			select {
			case failed <- gjson.GetBytes(msg.Params, "errorReason").String():
			case <-done:
			}
		default:
			ws.Send(out, done, ws.Reply(msg, ""))
		}
	}
}

func TestWatchCommand(t *testing.T) {
	t.Parallel()

	t.Run("blocks matching requests", func(t *testing.T) {
		t.Parallel()

		failed := make(chan string, 1)
		cmds := &ws.CommandLog{}
		wsURL := newFakeBrowserURL(t, cmds, pageLoadingStylesheet(failed), testPage)

		ts := newGlobalTestState(t, "watch", "--no-color", "--ws-url", wsURL, "--block", `\.css$`)
		executed := make(chan struct{})
		go func() {
			defer close(executed)
			newRootCommand(ts.globalState).execute()
		}()

		select {
		case reason := <-failed:
			assert.Equal(t, "BlockedByClient", reason)
		case <-time.After(10 * time.Second):
			t.Fatal("the stylesheet was not blocked")
		}
		ts.cancel()
		select {
		case <-executed:
		case <-time.After(10 * time.Second):
			t.Fatal("watch did not stop")
		}

		assert.Contains(t, ts.stdOut.String(), "[page_1] request GET https://example.com/a.css (stylesheet)")
		assert.True(t, cmds.Contains(cdproto.CommandFetchEnable))
	})

	t.Run("duration", func(t *testing.T) {
		t.Parallel()

		wsURL := newFakeBrowserURL(t, nil, nil, testPage)
		ts := newGlobalTestState(t, "watch", "--ws-url", wsURL, "--duration", "50ms")
		newRootCommand(ts.globalState).execute()

		ts.exitMu.Lock()
		defer ts.exitMu.Unlock()
		assert.False(t, ts.exitCalled)
	})

	t.Run("invalid pattern", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t, "watch", "--block", "(", "--ws-url", "ws://127.0.0.1:1")
		ts.expectedExitCode = 1
		newRootCommand(ts.globalState).execute()

		assert.Contains(t, ts.stdErr.String(), "invalid --block pattern")
	})
}
