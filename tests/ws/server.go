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

// Package ws provides a WebSocket server speaking just enough CDP to
// exercise the protocol core in tests.
package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// Identifiers used by CDPDefaultHandler.
const (
	DefaultSessionID        target.SessionID = "session_id_0123456789"
	DefaultTargetID         target.ID        = "target_id_0123456789"
	DefaultBrowserContextID                  = "browser_context_id_0123456789"
)

// Handler handles one CDP message read from the client. Replies and events
// are written to out; done is closed when the client went away.
type Handler func(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{})

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t             testing.TB
	Mux           *http.ServeMux
	ServerHTTP    *httptest.Server
	HTTPTransport *http.Transport
	Context       context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	// Create a http.ServeMux and set the httpbin handler as the default
	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)

	// Pre-configure the HTTP client transport (incl. HTTP2 support)
	transport := &http.Transport{}
	require.NoError(t, http2.ConfigureTransport(transport))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	s := &Server{
		t:             t,
		Mux:           mux,
		ServerHTTP:    server,
		HTTPTransport: transport,
		Context:       ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the WebSocket URL of the handler registered at path.
func (s *Server) URL(path string) string {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	u.Scheme = "ws"
	u.Path = path
	return u.String()
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// Wait for the first message, then drop the TCP connection without a
		// close frame.
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CommandLog records the methods of the commands a CDP handler received.
type CommandLog struct {
	mu   sync.Mutex
	cmds []cdproto.MethodType
}

func (l *CommandLog) add(m cdproto.MethodType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, m)
}

// Methods returns a copy of the received methods in arrival order.
func (l *CommandLog) Methods() []cdproto.MethodType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cdproto.MethodType(nil), l.cmds...)
}

// Contains reports whether method was received.
func (l *CommandLog) Contains(method string) bool {
	for _, m := range l.Methods() {
		if string(m) == method {
			return true
		}
	}
	return false
}

// WithCDPHandler attaches a custom CDP handler function to Server.
// cmdsReceived may be nil.
func WithCDPHandler(path string, fn Handler, cmdsReceived *CommandLog) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			read := func(conn *websocket.Conn) (*cdproto.Message, error) {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return nil, err
				}

				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return nil, err
				}

				return &msg, nil
			}

			for {
				msg, err := read(conn)
				if err != nil {
					close(done)
					return
				}

				if msg.Method != "" && cmdsReceived != nil {
					cmdsReceived.add(msg.Method)
				}

				fn(msg, writeCh, done)
			}
		}()

		go func() {
			write := func(conn *websocket.Conn, msg *cdproto.Message) {
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if err := encoder.Error; err != nil {
					return
				}

				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				if err := writer.Close(); err != nil {
					return
				}
			}

			for {
				select {
				case msg := <-writeCh:
					write(conn, &msg)
				case <-done:
					return
				}
			}
		}()

		<-done // Wait for done channel to be closed before closing connection
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// Reply builds the response to msg carrying result (a JSON object).
func Reply(msg *cdproto.Message, result string) cdproto.Message {
	if result == "" {
		result = "{}"
	}
	return cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage(result),
	}
}

// ReplyError builds an error response to msg.
func ReplyError(msg *cdproto.Message, code int64, message string) cdproto.Message {
	return cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Error:     &cdproto.Error{Code: code, Message: message},
	}
}

// Event builds an event message; params is a JSON object.
func Event(sessionID target.SessionID, method, params string) cdproto.Message {
	return cdproto.Message{
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    easyjson.RawMessage(params),
	}
}

// Send writes msgs to out unless the client went away.
func Send(out chan<- cdproto.Message, done <-chan struct{}, msgs ...cdproto.Message) {
	for _, m := range msgs {
		select {
		case out <- m:
		case <-done:
			return
		case <-time.After(5 * time.Second):
			return
		}
	}
}

// AttachedToTarget returns the Target.attachedToTarget event for a target.
func AttachedToTarget(parent, sessionID target.SessionID, targetID target.ID, targetType, url string) cdproto.Message {
	params := `{
		"sessionId": "` + string(sessionID) + `",
		"targetInfo": {
			"targetId": "` + string(targetID) + `",
			"type": "` + targetType + `",
			"title": "",
			"url": "` + url + `",
			"attached": true,
			"browserContextId": "` + DefaultBrowserContextID + `"
		},
		"waitingForDebugger": true
	}`
	return Event(parent, cdproto.EventTargetAttachedToTarget, params)
}

// CDPDefaultHandler is a default handler for the CDP WS server. It
// attaches one page target when auto attach is enabled on the browser
// session and replies with an empty result to everything else.
func CDPDefaultHandler(msg *cdproto.Message, out chan<- cdproto.Message, done <-chan struct{}) {
	if msg.Method == "" {
		return
	}
	if msg.SessionID == "" && strings.EqualFold(string(msg.Method), target.CommandSetAutoAttach) {
		Send(out, done,
			AttachedToTarget("", DefaultSessionID, DefaultTargetID, "page", "about:blank"),
			Reply(msg, ""),
		)
		return
	}
	Send(out, done, Reply(msg, ""))
}
