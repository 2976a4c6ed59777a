package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Session is one isolated browsing context (own cookies and storage) on the
// shared browser. Every call is bounded by the navigation timeout and aborts
// when the caller's context ends.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	pacer  Pacer

	prepared  bool
	closeOnce sync.Once
}

func newSession(ctx context.Context, cancel context.CancelFunc, cfg Config, pacer Pacer) *Session {
	return &Session{ctx: ctx, cancel: cancel, cfg: cfg, pacer: pacer}
}

// Close releases the browsing context. Safe to call repeatedly and after the
// browser itself has gone away.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Navigate loads url and waits for the body plus the configured settle delay.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx, url); err != nil {
			return err
		}
	}
	actions := []chromedp.Action{}
	if !s.prepared {
		actions = append(actions, s.setupAction())
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if s.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.Settle))
	}
	if err := s.run(ctx, s.cfg.NavigationTimeout, actions...); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.prepared = true
	return nil
}

// WaitFor blocks until selector matches a ready node or timeout elapses.
func (s *Session) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.NavigationTimeout
	}
	if err := s.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

// OuterHTML returns the outer HTML of the first node matching selector, or ""
// when nothing matches. It never waits for the node to appear.
func (s *Session) OuterHTML(ctx context.Context, selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.outerHTML : ""; })()`, quoted)
	var html string
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Evaluate(script, &html)); err != nil {
		return "", fmt.Errorf("outer html %q: %w", selector, err)
	}
	return html, nil
}

// Evaluate runs script in the page and decodes its result into out.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Click clicks the first visible node matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Pause sleeps for d unless ctx ends first.
func (s *Session) Pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pause: %w", ctx.Err())
	}
}

func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}
