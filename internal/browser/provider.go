// Package browser owns the single shared headless browser process and hands
// out isolated, short-lived browsing sessions bound to it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
)

// ErrProviderClosed is returned by Acquire after Close.
var ErrProviderClosed = errors.New("browser provider closed")

// Pacer delays navigations; satisfied by ratelimit.Limiter.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Config controls the browser process and per-session defaults.
type Config struct {
	Headless          bool
	NoSandbox         bool
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	LaunchTimeout     time.Duration
	Settle            time.Duration
}

// instance is one launched browser process.
type instance struct {
	browserCtx context.Context
	cancel     context.CancelFunc
}

func (i *instance) alive() bool {
	return i != nil && i.browserCtx.Err() == nil
}

// launchFunc starts a browser process; swapped out in tests.
type launchFunc func(ctx context.Context, cfg Config) (*instance, error)

// openFunc opens an isolated tab on a running browser; swapped out in tests.
type openFunc func(inst *instance, cfg Config) (context.Context, context.CancelFunc, error)

// Provider lazily launches the shared browser and opens sessions on it.
type Provider struct {
	cfg    Config
	logger *zap.Logger
	pacer  Pacer
	launch launchFunc
	open   openFunc

	group singleflight.Group

	mu       sync.Mutex
	current  *instance
	closed   bool
	launches int
}

// Option customizes a Provider.
type Option func(*Provider)

// WithPacer paces every session navigation through p.
func WithPacer(p Pacer) Option {
	return func(pr *Provider) {
		pr.pacer = p
	}
}

// NewProvider creates a Provider. The browser is not started until the first Acquire.
func NewProvider(cfg Config, logger *zap.Logger, opts ...Option) *Provider {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		cfg:    cfg,
		logger: logger,
		launch: launchChrome,
		open:   openTab,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a fresh isolated session, launching the browser when it is
// absent or has disconnected. Concurrent callers share one in-flight launch.
func (p *Provider) Acquire(ctx context.Context) (*Session, error) {
	inst, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	tabCtx, cancel, err := p.open(inst, p.cfg)
	if err != nil {
		if !inst.alive() {
			p.invalidate(inst)
		}
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	return newSession(tabCtx, cancel, p.cfg, p.pacer), nil
}

// Launches reports how many times the browser process was started.
func (p *Provider) Launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

// Close shuts the browser down. Later Acquire calls fail with ErrProviderClosed.
func (p *Provider) Close() {
	p.mu.Lock()
	inst := p.current
	p.current = nil
	p.closed = true
	p.mu.Unlock()
	if inst != nil {
		inst.cancel()
	}
}

func (p *Provider) ensure(ctx context.Context) (*instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProviderClosed
	}
	if p.current.alive() {
		inst := p.current
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan("launch", func() (any, error) {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrProviderClosed
		}
		if p.current.alive() {
			inst := p.current
			p.mu.Unlock()
			return inst, nil
		}
		stale := p.current
		p.current = nil
		p.mu.Unlock()
		if stale != nil {
			p.logger.Warn("browser disconnected; relaunching")
			stale.cancel()
		}

		inst, err := p.launch(context.WithoutCancel(ctx), p.cfg)
		metrics.ObserveBrowserLaunch(err)
		if err != nil {
			p.logger.Error("browser launch failed", zap.Error(err))
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			inst.cancel()
			return nil, ErrProviderClosed
		}
		p.current = inst
		p.launches++
		p.logger.Info("browser launched", zap.Int("launches", p.launches))
		return inst, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("launch browser: %w", res.Err)
		}
		return res.Val.(*instance), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await browser launch: %w", ctx.Err())
	}
}

func (p *Provider) invalidate(inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == inst {
		p.current = nil
	}
	inst.cancel()
}

func launchChrome(ctx context.Context, cfg Config) (*instance, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1280, 1024),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	// The process must outlive the caller's context, so only the launch
	// handshake is bounded by LaunchTimeout.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()
	timer := time.NewTimer(cfg.LaunchTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("start chrome: timed out after %s", cfg.LaunchTimeout)
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}
	return &instance{browserCtx: browserCtx, cancel: cancel}, nil
}

func openTab(inst *instance, _ Config) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := chromedp.NewContext(inst.browserCtx, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create target: %w", err)
	}
	return tabCtx, cancel, nil
}
