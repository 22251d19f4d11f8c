package adapters

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

const (
	work24BaseURL      = "https://www.work24.go.kr"
	work24ListSelector = ".tbl-type01"
	work24InfoRows     = ".job-info-table tr, .detail-table tr, .info-table tr, table.tbl-type01 tr"
)

var work24IDPattern = regexp.MustCompile(`fnJobDetail\('(\d+)'\)`)

// Work24 crawls the national employment service board filtered to
// disability-eligible postings.
type Work24 struct {
	*base
}

// NewWork24 builds a work24 adapter.
func NewWork24(opts Options) *Work24 {
	return &Work24{base: newBase(crawler.SourceWork24, work24BaseURL, opts)}
}

func (w *Work24) listURL(page int) string {
	q := url.Values{}
	q.Set("srchType", "12")
	q.Set("srchKeyword", "")
	q.Set("rowsPerPage", "20")
	q.Set("pageNo", fmt.Sprint(page))
	q.Set("srchDisablGbn", "Y")
	return w.url("/wk/a/c/CA0101.do") + "?" + q.Encode()
}

func (w *Work24) detailURL(id string) string {
	return w.url("/wk/a/c/CA0301.do?jobId=" + url.QueryEscape(id))
}

// FetchListings implements crawler.Adapter.
func (w *Work24) FetchListings(ctx context.Context, page int) ([]crawler.RawItem, error) {
	doc, _, err := w.fetchDocument(ctx, w.listURL(page), work24ListSelector)
	if err != nil {
		return nil, err
	}

	var items []crawler.RawItem
	doc.Find(".tbl-type01 tbody tr:not(.no-data)").Each(func(_ int, row *goquery.Selection) {
		link := row.Find(".al-l a").First()
		onclick, _ := link.Attr("onclick")
		id := matchID(work24IDPattern, onclick)
		snippet, _ := goquery.OuterHtml(row)
		items = append(items, crawler.RawItem{
			Source:     w.source,
			ExternalID: id,
			URL:        w.detailURL(id),
			Fields: map[string]string{
				crawler.FieldTitle:    CleanText(link.Text()),
				crawler.FieldCompany:  CleanText(row.Find("td:nth-child(3)").Text()),
				crawler.FieldLocation: CleanText(row.Find("td:nth-child(4)").Text()),
				crawler.FieldDeadline: CleanText(row.Find("td:nth-child(6)").Text()),
			},
			ListingHTML: truncate(snippet, listingHTMLLimit),
		})
	})
	w.logger.Info("listings parsed", zap.Int("page", page), zap.Int("items", len(items)))
	return items, nil
}

// FetchDetail implements crawler.Adapter.
func (w *Work24) FetchDetail(ctx context.Context, externalID string) (crawler.DetailRecord, error) {
	detailURL := w.detailURL(externalID)
	doc, _, err := w.fetchDocument(ctx, detailURL, "")
	if err != nil {
		return crawler.DetailRecord{}, err
	}

	fields := detailRows(doc, work24InfoRows)
	now := w.now()
	deadline := ParseDeadline(firstField(fields, "모집마감일", "접수마감일"), now)
	return crawler.DetailRecord{
		NormalizedJob: crawler.NormalizedJob{
			Source:               w.source,
			ExternalID:           externalID,
			Title:                CleanText(doc.Find(".job-detail-top h3, .detail-title, h2.title, h3.title").First().Text()),
			Company:              CleanText(doc.Find(".company-info .name, .company-name, .corp-name").First().Text()),
			Location:             ParseLocation(firstField(fields, "근무지역", "근무지")),
			Salary:               ParseSalary(firstField(fields, "급여", "임금")),
			EmploymentType:       firstField(fields, "고용형태", "모집직종"),
			Description:          CleanText(doc.Find(".job-detail-content, .detail-content, .job-content").First().Text()),
			IsDisabilityFriendly: true,
			CrawledAt:            now,
			ExpiresAt:            deadline,
			ExternalURL:          detailURL,
		},
		Requirements:        dedupe(collectRequirements(fields)),
		Benefits:            dedupe(collectBenefits(fields)),
		ApplicationDeadline: deadline,
		Contact: crawler.ContactInfo{
			Phone: firstField(fields, "담당자 연락처", "전화번호"),
			Email: firstField(fields, "이메일"),
		},
	}, nil
}

// Normalize implements crawler.Adapter. The listing is pre-filtered for
// disability eligibility, so every row is classified as friendly.
func (w *Work24) Normalize(_ context.Context, raw crawler.RawItem) (crawler.NormalizedJob, error) {
	job := w.normalizeCommon(raw)
	job.IsDisabilityFriendly = true
	if err := job.Validate(); err != nil {
		return crawler.NormalizedJob{}, err
	}
	return job, nil
}
