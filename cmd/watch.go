package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/liuxd6825/browsercore/common"
)

var errBrowserDisconnected = errors.New("browser disconnected")

type cmdWatch struct {
	gs       *globalState
	block    []string
	duration time.Duration
}

func (c *cmdWatch) run(cmd *cobra.Command, _ []string) error {
	patterns := make([]*regexp.Regexp, 0, len(c.block))
	for _, p := range c.block {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid --block pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	b, err := connectBrowser(c.gs, cmd.Flags())
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := c.gs.ctx
	if c.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.duration)
		defer cancel()
	}

	w := newPageWatcher(ctx, c.gs.stdOut, patterns, c.gs.flags.noColor)

	disconnected := make(chan struct{})
	b.Subscribe([]string{common.EventBrowserDisconnected}, func(common.Event) { close(disconnected) })
	b.Subscribe([]string{common.EventBrowserPage}, func(ev common.Event) {
		if p, ok := ev.Data().(*common.Page); ok {
			go w.watch(p)
		}
	})
	for _, p := range b.Pages() {
		w.watch(p)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-disconnected:
		return errBrowserDisconnected
	}
}

// pageWatcher prints the network traffic of pages and blocks the requests
// matching its patterns.
type pageWatcher struct {
	ctx      context.Context
	patterns []*regexp.Regexp

	outMu   sync.Mutex
	out     io.Writer
	ok, bad *color.Color

	mu      sync.Mutex
	watched map[target.ID]struct{}
}

func newPageWatcher(ctx context.Context, out io.Writer, patterns []*regexp.Regexp, noColor bool) *pageWatcher {
	w := &pageWatcher{
		ctx:      ctx,
		patterns: patterns,
		out:      out,
		ok:       color.New(color.FgGreen),
		bad:      color.New(color.FgRed),
		watched:  make(map[target.ID]struct{}),
	}
	if noColor {
		w.ok.DisableColor()
		w.bad.DisableColor()
	}
	return w
}

// watch starts watching p once.
func (w *pageWatcher) watch(p *common.Page) {
	w.mu.Lock()
	if _, ok := w.watched[p.TargetID()]; ok {
		w.mu.Unlock()
		return
	}
	w.watched[p.TargetID()] = struct{}{}
	w.mu.Unlock()

	p.SubscribeAll(func(ev common.Event) { w.print(p.TargetID(), ev) })
	if len(w.patterns) == 0 {
		return
	}
	p.AddRequestInterceptor(w.intercept)
	if err := p.SetRequestInterception(w.ctx, true); err != nil {
		w.printf("[%s] %s\n", p.TargetID(), w.bad.Sprintf("enabling request interception: %v", err))
	}
}

func (w *pageWatcher) intercept(_ context.Context, i *common.Interception) error {
	for _, re := range w.patterns {
		if re.MatchString(i.URL()) {
			return i.Abort(network.ErrorReasonBlockedByClient, common.DefaultInterceptPriority)
		}
	}
	return i.Continue(common.ContinueAction{}, common.DefaultInterceptPriority)
}

func (w *pageWatcher) print(id target.ID, ev common.Event) {
	switch data := ev.Data().(type) {
	case *common.Request:
		switch ev.Type() {
		case common.EventPageRequest:
			w.printf("[%s] request %s %s (%s)\n", id, data.Method(), data.URL(), data.ResourceType())
		case common.EventPageRequestFailed:
			w.printf("[%s] %s %s %s\n", id, w.bad.Sprint("failed"), data.URL(), data.Failure())
		case common.EventPageRequestFinished:
			w.printf("[%s] finished %s\n", id, data.URL())
		case common.EventPageRequestServedFromCache:
			w.printf("[%s] cached %s\n", id, data.URL())
		}
	case *common.Response:
		c := w.ok
		if !data.Ok() {
			c = w.bad
		}
		w.printf("[%s] response %s %s\n", id, c.Sprint(data.Status()), data.URL())
	case *common.Page:
		if ev.Type() == common.EventPageClose {
			w.printf("[%s] closed\n", id)
		}
	}
}

func (w *pageWatcher) printf(format string, args ...any) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	_, _ = fmt.Fprintf(w.out, format, args...)
}

func getCmdWatch(gs *globalState) *cobra.Command {
	c := &cmdWatch{gs: gs}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the network traffic of the pages of a browser",
		Long: `Print the network traffic of the pages of a running browser.

Pages opened while watching are followed too. Requests whose URL matches one
of the --block regular expressions are aborted.`,
		Example: `
  # Watch every page and block the requests of images
  browsercore watch --ws-url ws://127.0.0.1:9222/devtools/browser/<id> --block '\.(png|jpe?g)$'`[1:],
		Args: cobra.NoArgs,
		RunE: c.run,
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(browserOptionFlagSet())
	cmd.Flags().StringArrayVar(&c.block, "block", nil, "abort the requests whose URL matches the regular expression")
	cmd.Flags().DurationVar(&c.duration, "duration", 0, "stop watching after the duration, 0 watches until interrupted")

	return cmd
}
