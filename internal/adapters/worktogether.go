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
	workTogetherBaseURL      = "https://www.worktogether.or.kr"
	workTogetherListSelector = ".board_list"
)

var workTogetherIDPattern = regexp.MustCompile(`searchEpSeq=(\d+)`)

// WorkTogether crawls the disability employment agency board. Every posting
// on it targets disabled applicants.
type WorkTogether struct {
	*base
}

// NewWorkTogether builds a workTogether adapter.
func NewWorkTogether(opts Options) *WorkTogether {
	return &WorkTogether{base: newBase(crawler.SourceWorkTogether, workTogetherBaseURL, opts)}
}

// FetchListings implements crawler.Adapter.
func (w *WorkTogether) FetchListings(ctx context.Context, page int) ([]crawler.RawItem, error) {
	listURL := fmt.Sprintf("%s?pageIndex=%d",
		w.url("/empInfo/empInfoSrch/list/retriveWorkRegionEmpIntroList.do"), page)
	doc, _, err := w.fetchDocument(ctx, listURL, workTogetherListSelector)
	if err != nil {
		return nil, err
	}

	var items []crawler.RawItem
	doc.Find(".board_list tbody tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("td.tit a").First()
		href, _ := link.Attr("href")
		snippet, _ := goquery.OuterHtml(row)
		items = append(items, crawler.RawItem{
			Source:     w.source,
			ExternalID: matchID(workTogetherIDPattern, href),
			URL:        w.url(href),
			Fields: map[string]string{
				crawler.FieldTitle:    CleanText(link.Text()),
				crawler.FieldCompany:  CleanText(row.Find("td:nth-child(2)").Text()),
				crawler.FieldLocation: CleanText(row.Find("td:nth-child(3)").Text()),
				crawler.FieldDeadline: CleanText(row.Find("td:nth-child(5)").Text()),
			},
			ListingHTML: truncate(snippet, listingHTMLLimit),
		})
	})
	w.logger.Info("listings parsed", zap.Int("page", page), zap.Int("items", len(items)))
	return items, nil
}

// FetchDetail implements crawler.Adapter.
func (w *WorkTogether) FetchDetail(ctx context.Context, externalID string) (crawler.DetailRecord, error) {
	detailURL := w.url("/empInfo/empInfoSrch/detail/empDetailAuthView.do?searchEpSeq=" + url.QueryEscape(externalID))
	doc, _, err := w.fetchDocument(ctx, detailURL, "")
	if err != nil {
		return crawler.DetailRecord{}, err
	}

	fields := detailRows(doc, ".view_table tr")
	now := w.now()
	deadline := ParseDeadline(fields["모집마감일"], now)
	return crawler.DetailRecord{
		NormalizedJob: crawler.NormalizedJob{
			Source:               w.source,
			ExternalID:           externalID,
			Title:                CleanText(doc.Find(".view_top h3").First().Text()),
			Company:              CleanText(doc.Find(".company_name").First().Text()),
			Location:             ParseLocation(fields["근무지역"]),
			Salary:               ParseSalary(fields["급여"]),
			EmploymentType:       fields["고용형태"],
			Description:          CleanText(doc.Find(".view_content").First().Text()),
			IsDisabilityFriendly: true,
			CrawledAt:            now,
			ExpiresAt:            deadline,
			ExternalURL:          detailURL,
		},
		Requirements:        dedupe(collectRequirements(fields)),
		Benefits:            dedupe(collectBenefits(fields)),
		ApplicationDeadline: deadline,
		Contact: crawler.ContactInfo{
			Phone: fields["담당자 연락처"],
			Email: fields["담당자 이메일"],
		},
	}, nil
}

// Normalize implements crawler.Adapter.
func (w *WorkTogether) Normalize(_ context.Context, raw crawler.RawItem) (crawler.NormalizedJob, error) {
	job := w.normalizeCommon(raw)
	job.IsDisabilityFriendly = true
	if err := job.Validate(); err != nil {
		return crawler.NormalizedJob{}, err
	}
	return job, nil
}
