package cmd

import (
	"strings"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"

	"github.com/liuxd6825/browsercore/tests/ws"
)

type fakeTarget struct {
	id, typ, url, sess string
}

func (ft fakeTarget) infoJSON() string {
	return `{"targetId":"` + ft.id + `","type":"` + ft.typ + `","title":"` + ft.typ + ` title","url":"` + ft.url +
		`","attached":false,"canAccessOpener":false,"browserContextId":"` + ws.DefaultBrowserContextID + `"}`
}

var (
	testPage   = fakeTarget{id: "page_1", typ: "page", url: "https://example.com/", sess: "session_page"}
	testWorker = fakeTarget{id: "worker_1", typ: "service_worker", url: "https://example.com/sw.js", sess: "session_sw"}
)

// fakeBrowser serves the target domain for targets. onSession, when not
// nil, handles the messages of the target sessions, which otherwise get
// an empty reply.
func fakeBrowser(onSession ws.Handler, targets ...fakeTarget) ws.Handler {
	return func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
		switch {
		case msg.Method == "":
			return
		case msg.SessionID != "":
			if onSession != nil {
				onSession(msg, out, done)
				return
			}
			ws.Send(out, done, ws.Reply(msg, ""))
		case msg.Method == cdproto.MethodType(target.CommandSetDiscoverTargets):
			var evs []cdproto.Message
			for _, ft := range targets {
				evs = append(evs, ws.Event("", cdproto.EventTargetTargetCreated, `{"targetInfo":`+ft.infoJSON()+`}`))
			}
			ws.Send(out, done, append(evs, ws.Reply(msg, ""))...)
		case msg.Method == cdproto.MethodType(target.CommandGetTargets):
			infos := make([]string, 0, len(targets))
			for _, ft := range targets {
				infos = append(infos, ft.infoJSON())
			}
			ws.Send(out, done, ws.Reply(msg, `{"targetInfos":[`+strings.Join(infos, ",")+`]}`))
		case msg.Method == cdproto.MethodType(target.CommandSetAutoAttach):
			var evs []cdproto.Message
			for _, ft := range targets {
				evs = append(evs, ws.AttachedToTarget("", target.SessionID(ft.sess), target.ID(ft.id), ft.typ, ft.url))
			}
			ws.Send(out, done, append(evs, ws.Reply(msg, ""))...)
		default:
			ws.Send(out, done, ws.Reply(msg, ""))
		}
	}
}

// newFakeBrowserURL starts a fake browser and returns its WebSocket URL.
func newFakeBrowserURL(t *testing.T, cmds *ws.CommandLog, onSession ws.Handler, targets ...fakeTarget) string {
	t.Helper()

	server := ws.NewServer(t, ws.WithCDPHandler("/devtools/browser/1", fakeBrowser(onSession, targets...), cmds))
	return server.URL("/devtools/browser/1")
}
