package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	logx "harvester/pkg/logx"
)

type ChromeOptions struct {
	ExecPath        string
	Headless        bool
	UserAgent       string
	Flags           []string
	NavigateTimeout time.Duration
}

// ChromeProvider runs one headless Chrome and opens a new tab per Acquire.
// The browser starts on first use.
type ChromeProvider struct {
	opts ChromeOptions
	log  logx.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func NewChromeProvider(opts ChromeOptions, log logx.Logger) *ChromeProvider {
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = 30 * time.Second
	}
	return &ChromeProvider{opts: opts, log: log.Named("browser")}
}

func (p *ChromeProvider) start() error {
	if p.browserCtx != nil {
		return nil
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if p.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(p.opts.ExecPath))
	}
	if p.opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(p.opts.UserAgent))
	}
	for _, f := range p.opts.Flags {
		allocOpts = append(allocOpts, chromedp.Flag(f, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, cancel := context.WithTimeout(browserCtx, p.opts.NavigateTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}

	p.browserCtx, p.browserCancel, p.allocCancel = browserCtx, browserCancel, allocCancel
	p.log.Info("browser started", logx.Bool("headless", p.opts.Headless))
	return nil
}

func (p *ChromeProvider) Acquire(ctx context.Context) (Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.start(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(p.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromePage{ctx: tabCtx, cancel: cancel, timeout: p.opts.NavigateTimeout}, nil
}

func (p *ChromeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCancel != nil {
		p.browserCancel()
		p.allocCancel()
		p.browserCtx, p.browserCancel, p.allocCancel = nil, nil, nil
	}
	return nil
}

type chromePage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// run executes actions on the tab, bounded by both the caller ctx and the
// navigation timeout.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
