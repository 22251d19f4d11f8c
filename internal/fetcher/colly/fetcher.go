// Package collyfetcher implements crawler.SessionFactory over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/rebridge/jobcrawler/internal/crawler"
	"github.com/rebridge/jobcrawler/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher opens HTTP sessions backed by clones of one base collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// NewSession implements crawler.SessionFactory.
func (f *Fetcher) NewSession(_ context.Context) (crawler.Session, error) {
	return &session{fetcher: f, collector: f.baseCollector.Clone()}, nil
}

type session struct {
	fetcher   *Fetcher
	collector *colly.Collector

	mu     sync.Mutex
	closed bool
}

// FetchPage performs a single GET bounded by ctx. WaitSelector has no meaning
// without a browser and is ignored.
func (s *session) FetchPage(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return crawler.Page{}, errors.New("session closed")
	}

	if s.fetcher.limiter != nil {
		if err := s.fetcher.limiter.Wait(ctx, req.URL); err != nil {
			return crawler.Page{}, err
		}
	}

	var (
		result   crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := s.collector.Clone()
	collector.Context = ctx
	configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		metrics.ObserveFetch(req.URL, "error", 0)
		return crawler.Page{}, err
	}
	metrics.ObserveFetch(req.URL, strconv.Itoa(result.StatusCode), len(result.HTML))
	return result, nil
}

func (s *session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func configureCollectorHooks(hooks collectorHooks, start time.Time, result *crawler.Page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
