// Package headless opens browser-backed fetch sessions that execute JavaScript.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/metrics"
)

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.SessionFactory using chromedp and headless Chrome.
// Each session owns one browser; each fetch runs in its own tab.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	rate        Waiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. rate may be nil.
func NewChromedp(cfg Config, rate Waiter) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		rate:        rate,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, terminating every browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// NewSession launches a browser for one adapter's crawl.
func (f *Fetcher) NewSession(ctx context.Context) (crawler.Session, error) {
	browserCtx, cancel := chromedp.NewContext(f.allocator)
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	// An empty Run starts the browser so launch failures surface here.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return &session{fetcher: f, browserCtx: browserCtx, cancel: cancel}, nil
}

type session struct {
	fetcher    *Fetcher
	browserCtx context.Context
	cancel     context.CancelFunc

	closeOnce sync.Once
}

func (s *session) Close() {
	s.closeOnce.Do(s.cancel)
}

// FetchPage opens a tab, navigates, waits for the selector and captures the DOM.
// The tab is closed on every exit path.
func (s *session) FetchPage(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	if s.browserCtx.Err() != nil {
		return crawler.Page{}, errors.New("session closed")
	}
	f := s.fetcher
	if f.rate != nil {
		if err := f.rate.Wait(ctx, req.URL); err != nil {
			return crawler.Page{}, err
		}
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.Page{}, err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.navTimeout()
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(tabCtx, req)
	if err != nil {
		metrics.ObserveFetch(req.URL, "error", 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.Page{}, fmt.Errorf("navigate %s: %w", req.URL, ctxErr)
		}
		if errors.Is(tabCtx.Err(), context.DeadlineExceeded) {
			return crawler.Page{}, fmt.Errorf("navigate %s: %w", req.URL, context.DeadlineExceeded)
		}
		return crawler.Page{}, err
	}

	status, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	metrics.ObserveFetch(req.URL, strconv.Itoa(status), len(html))
	return crawler.Page{
		URL:        responseURL,
		StatusCode: status,
		HTML:       html,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, req crawler.PageRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(waitSelector(req), chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func waitSelector(req crawler.PageRequest) string {
	if req.WaitSelector != "" {
		return req.WaitSelector
	}
	return "body"
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// responseMeta records the main document response seen by the tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
