package adapters

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

const (
	saraminBaseURL      = "https://www.saramin.co.kr"
	saraminListSelector = ".item_recruit"
	listingHTMLLimit    = 4000
)

var saraminIDPattern = regexp.MustCompile(`rec_idx=(\d+)`)

// Saramin crawls saramin.co.kr keyword search results.
type Saramin struct {
	*base
}

// NewSaramin builds a saramin adapter.
func NewSaramin(opts Options) *Saramin {
	return &Saramin{base: newBase(crawler.SourceSaramin, saraminBaseURL, opts)}
}

func (s *Saramin) listURL(ctx context.Context, page int) string {
	q := url.Values{}
	q.Set("search_area", "main")
	q.Set("search_done", "y")
	q.Set("search_optional_item", "n")
	q.Set("searchType", "search")
	q.Set("searchword", BuildSearchQuery(s.keywords(ctx)))
	q.Set("recruitPage", fmt.Sprint(page))
	return s.url("/zf_user/search") + "?" + q.Encode()
}

// FetchListings implements crawler.Adapter.
func (s *Saramin) FetchListings(ctx context.Context, page int) ([]crawler.RawItem, error) {
	doc, _, err := s.fetchDocument(ctx, s.listURL(ctx, page), saraminListSelector)
	if err != nil {
		return nil, err
	}

	var items []crawler.RawItem
	doc.Find(saraminListSelector).Each(func(_ int, row *goquery.Selection) {
		link := row.Find(".job_tit a").First()
		href, _ := link.Attr("href")
		title, _ := link.Attr("title")
		if strings.TrimSpace(title) == "" {
			title = link.Text()
		}
		conditions := row.Find(".job_condition span")
		snippet, _ := goquery.OuterHtml(row)

		items = append(items, crawler.RawItem{
			Source:     s.source,
			ExternalID: matchID(saraminIDPattern, href),
			URL:        s.url(href),
			Fields: map[string]string{
				crawler.FieldTitle:          CleanText(title),
				crawler.FieldCompany:        CleanText(row.Find(".corp_name a").Text()),
				crawler.FieldLocation:       CleanText(conditions.Eq(0).Text()),
				crawler.FieldExperience:     CleanText(conditions.Eq(1).Text()),
				crawler.FieldEducation:      CleanText(conditions.Eq(2).Text()),
				crawler.FieldEmploymentType: CleanText(conditions.Eq(3).Text()),
				crawler.FieldDeadline:       CleanText(row.Find(".job_date .date").Text()),
			},
			ListingHTML: truncate(snippet, listingHTMLLimit),
		})
	})
	s.logger.Info("listings parsed", zap.Int("page", page), zap.Int("items", len(items)))
	return items, nil
}

// FetchDetail implements crawler.Adapter.
func (s *Saramin) FetchDetail(ctx context.Context, externalID string) (crawler.DetailRecord, error) {
	detailURL := s.url("/zf_user/jobs/relay/view?rec_idx=" + url.QueryEscape(externalID))
	doc, _, err := s.fetchDocument(ctx, detailURL, ".wrap_jv_header")
	if err != nil {
		return crawler.DetailRecord{}, err
	}

	var requirements []string
	doc.Find("h3").Each(func(_ int, h *goquery.Selection) {
		heading := h.Text()
		if !strings.Contains(heading, "자격요건") && !strings.Contains(heading, "우대사항") {
			return
		}
		requirements = append(requirements, listItems(h.Parent().Find("li"))...)
	})

	summary := saraminSummary(doc)
	now := s.now()
	deadline := ParseDeadline(firstField(summary, "마감일", "접수마감일"), now)
	record := crawler.DetailRecord{
		NormalizedJob: crawler.NormalizedJob{
			Source:               s.source,
			ExternalID:           externalID,
			Title:                CleanText(doc.Find(".wrap_jv_header .jv_header a").First().Text()),
			Company:              CleanText(doc.Find(".jv_company a").First().Text()),
			Location:             ParseLocation(doc.Find(".jv_location").First().Text()),
			Salary:               ParseSalary(firstField(summary, "급여", "연봉")),
			EmploymentType:       firstField(summary, "고용형태", "근무형태"),
			Description:          CleanText(doc.Find(".cont.box").Text()),
			IsDisabilityFriendly: PageMentionsKeyword(doc, s.keywords(ctx)),
			CrawledAt:            now,
			ExpiresAt:            deadline,
			ExternalURL:          detailURL,
		},
		Requirements:        dedupe(requirements),
		Benefits:            dedupe(listItems(doc.Find(".jv_benefit .benefit_list li"))),
		ApplicationDeadline: deadline,
		Contact:             ExtractContact(doc.Find(".jv_howto, .jv_summary").Text()),
	}
	return record, nil
}

var saraminSummaryLabels = []string{"급여", "연봉", "고용형태", "근무형태", "마감일", "접수마감일"}

// saraminSummary reads the labelled cells of the .jv_summary block. Cells are
// either dt/dd pairs or a single .cont element that starts with its label.
func saraminSummary(doc *goquery.Document) map[string]string {
	fields := make(map[string]string)
	summary := doc.Find(".jv_summary")
	summary.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		label := CleanText(dl.Find("dt").First().Text())
		value := CleanText(dl.Find("dd").First().Text())
		if label != "" && value != "" {
			fields[label] = value
		}
	})
	summary.Find(".cont").Each(func(_ int, cell *goquery.Selection) {
		if cell.Find("dl").Length() > 0 {
			return
		}
		text := CleanText(cell.Text())
		for _, label := range saraminSummaryLabels {
			if _, seen := fields[label]; seen || !strings.HasPrefix(text, label) {
				continue
			}
			if value := strings.TrimSpace(strings.TrimPrefix(text, label)); value != "" {
				fields[label] = value
			}
		}
	})
	return fields
}

// Normalize implements crawler.Adapter. Listing rows come from a keyword
// search, so the title decides the disability classification.
func (s *Saramin) Normalize(ctx context.Context, raw crawler.RawItem) (crawler.NormalizedJob, error) {
	job := s.normalizeCommon(raw)
	job.IsDisabilityFriendly = ContainsKeyword(job.Title, s.keywords(ctx))
	if err := job.Validate(); err != nil {
		return crawler.NormalizedJob{}, err
	}
	return job, nil
}
