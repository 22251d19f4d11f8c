// Package adapters implements the per-board crawl adapters and the parsing
// helpers they share.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

const defaultNavTimeout = 30 * time.Second

// Options carries the collaborators shared by every adapter.
type Options struct {
	Sessions   crawler.SessionFactory
	Keywords   crawler.KeywordProvider
	Clock      crawler.Clock
	Logger     *zap.Logger
	Delay      time.Duration
	NavTimeout time.Duration
	// BaseURL overrides the board's origin; used by tests.
	BaseURL string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// base owns the lazily opened session and the fetch/parse plumbing common to
// all boards.
type base struct {
	source  crawler.Source
	baseURL string
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	session crawler.Session
	closed  bool
}

func newBase(source crawler.Source, defaultBaseURL string, opts Options) *base {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = defaultNavTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &base{
		source:  source,
		baseURL: baseURL,
		opts:    opts,
		logger:  logger.With(zap.String("source", string(source))),
	}
}

// Source implements crawler.Adapter.
func (b *base) Source() crawler.Source {
	return b.source
}

// Cleanup closes the session if one was opened. Safe to call repeatedly.
func (b *base) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Close()
		b.session = nil
	}
	b.closed = true
}

func (b *base) ensureSession(ctx context.Context) (crawler.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("adapter already cleaned up")
	}
	if b.session != nil {
		return b.session, nil
	}
	if b.opts.Sessions == nil {
		return nil, &crawler.ConfigurationError{Reason: "no session factory configured"}
	}
	session, err := b.opts.Sessions.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	b.session = session
	return session, nil
}

// fetchDocument loads url, parses it and then waits out the board's request
// delay so consecutive fetches on one adapter stay polite.
func (b *base) fetchDocument(ctx context.Context, url, waitSelector string) (*goquery.Document, string, error) {
	session, err := b.ensureSession(ctx)
	if err != nil {
		return nil, "", &crawler.FetchError{Source: b.source, URL: url, Err: err}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, b.opts.NavTimeout)
	defer cancel()

	page, err := session.FetchPage(fetchCtx, crawler.PageRequest{
		URL:          url,
		WaitSelector: waitSelector,
		Timeout:      b.opts.NavTimeout,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("navigation timeout after %s: %w (%v)", b.opts.NavTimeout, context.DeadlineExceeded, err)
		}
		return nil, "", &crawler.FetchError{Source: b.source, URL: url, Err: err}
	}
	if page.StatusCode >= 400 {
		return nil, "", &crawler.FetchError{Source: b.source, URL: url, Err: fmt.Errorf("unexpected status %d", page.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, "", &crawler.FetchError{Source: b.source, URL: url, Err: fmt.Errorf("parse html: %w", err)}
	}
	b.logger.Debug("page fetched",
		zap.String("url", url),
		zap.Int("status", page.StatusCode),
		zap.Duration("duration", page.Duration),
	)

	if err := crawler.Sleep(ctx, b.opts.Delay); err != nil {
		return nil, "", err
	}
	return doc, page.HTML, nil
}

// keywords returns the current keyword set, falling back to the default when
// the provider fails or yields nothing.
func (b *base) keywords(ctx context.Context) []string {
	if b.opts.Keywords == nil {
		return []string{DefaultKeyword}
	}
	kws, err := b.opts.Keywords.Current(ctx)
	if err != nil {
		b.logger.Warn("keyword lookup failed; using default", zap.Error(err))
		return []string{DefaultKeyword}
	}
	if len(kws) == 0 {
		return []string{DefaultKeyword}
	}
	return kws
}

func (b *base) now() time.Time {
	return b.opts.Clock.Now()
}

func (b *base) url(path string) string {
	return absoluteURL(b.baseURL+"/", path)
}

// rawData serializes the listing fields kept alongside the normalized job.
func rawData(raw crawler.RawItem) json.RawMessage {
	payload := struct {
		URL    string            `json:"url"`
		Fields map[string]string `json:"fields"`
	}{URL: raw.URL, Fields: raw.Fields}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// normalizeCommon maps the listing fields every board shares.
func (b *base) normalizeCommon(raw crawler.RawItem) crawler.NormalizedJob {
	job := crawler.NormalizedJob{
		Source:         b.source,
		ExternalID:     strings.TrimSpace(raw.ExternalID),
		Title:          CleanText(raw.Field(crawler.FieldTitle)),
		Company:        CleanText(raw.Field(crawler.FieldCompany)),
		Location:       ParseLocation(raw.Field(crawler.FieldLocation)),
		Salary:         ParseSalary(raw.Field(crawler.FieldSalary)),
		EmploymentType: CleanText(raw.Field(crawler.FieldEmploymentType)),
		Description:    CleanText(raw.Field(crawler.FieldDescription)),
		CrawledAt:      b.now(),
		ExpiresAt:      ParseDeadline(raw.Field(crawler.FieldDeadline), b.now()),
		ExternalURL:    raw.URL,
		RawData:        rawData(raw),
	}
	return job
}

// detailRows collects th/td label pairs from table rows.
func detailRows(doc *goquery.Document, selector string) map[string]string {
	fields := make(map[string]string)
	doc.Find(selector).Each(func(_ int, row *goquery.Selection) {
		headers := row.Find("th")
		cells := row.Find("td")
		headers.Each(func(i int, th *goquery.Selection) {
			label := CleanText(th.Text())
			if label == "" || i >= cells.Length() {
				return
			}
			if _, exists := fields[label]; !exists {
				fields[label] = CleanText(cells.Eq(i).Text())
			}
		})
	})
	return fields
}

// firstField returns the value stored under the first label present.
func firstField(fields map[string]string, labels ...string) string {
	for _, label := range labels {
		if v := fields[label]; v != "" {
			return v
		}
	}
	return ""
}

func listItems(sel *goquery.Selection) []string {
	var out []string
	sel.Each(func(_ int, li *goquery.Selection) {
		if text := CleanText(li.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

var (
	requirementLabels = []string{"자격요건", "자격조건", "모집조건", "지원자격", "응시자격"}
	preferenceLabels  = []string{"우대사항", "우대조건"}
	benefitLabels     = []string{"복리후생", "복지", "혜택", "근무환경"}
)

// collectRequirements gathers qualification rows and a trailing 우대 entry.
func collectRequirements(fields map[string]string) []string {
	var out []string
	for _, label := range requirementLabels {
		if v := fields[label]; v != "" {
			out = append(out, v)
		}
	}
	if v := firstField(fields, preferenceLabels...); v != "" {
		out = append(out, "우대: "+v)
	}
	return out
}

// collectBenefits splits every benefit row into individual items.
func collectBenefits(fields map[string]string) []string {
	var out []string
	for _, label := range benefitLabels {
		if v := fields[label]; v != "" {
			out = append(out, SplitList(v)...)
		}
	}
	return out
}
