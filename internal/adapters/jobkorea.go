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
	jobKoreaBaseURL      = "https://www.jobkorea.co.kr"
	jobKoreaWaitSelector = ".list-post, .recruit-list, .job-list"
	jobKoreaRowSelector  = ".list-post .post, .recruit-list .list-item, .job-list .item"
	jobKoreaInfoRows     = ".tbRow tr, .info-table tr, .detail-table tr, table.table-info tr"
)

var jobKoreaIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/Recruit/GI_Read/(\d+)`),
	regexp.MustCompile(`[?&]Gicode=(\d+)`),
}

// JobKorea crawls jobkorea.co.kr search results.
type JobKorea struct {
	*base
}

// NewJobKorea builds a jobkorea adapter.
func NewJobKorea(opts Options) *JobKorea {
	return &JobKorea{base: newBase(crawler.SourceJobKorea, jobKoreaBaseURL, opts)}
}

// FetchListings implements crawler.Adapter. The board search only honors a
// single term, so the first keyword is used.
func (j *JobKorea) FetchListings(ctx context.Context, page int) ([]crawler.RawItem, error) {
	kws := j.keywords(ctx)
	listURL := fmt.Sprintf("%s?stext=%s&Page_No=%d", j.url("/Search/"), url.QueryEscape(kws[0]), page)
	doc, _, err := j.fetchDocument(ctx, listURL, jobKoreaWaitSelector)
	if err != nil {
		return nil, err
	}

	var items []crawler.RawItem
	doc.Find(jobKoreaRowSelector).Each(func(_ int, row *goquery.Selection) {
		link := row.Find(".title a, .job-title a, a.title").First()
		href, _ := link.Attr("href")
		snippet, _ := goquery.OuterHtml(row)
		items = append(items, crawler.RawItem{
			Source:     j.source,
			ExternalID: jobKoreaID(href),
			URL:        j.url(href),
			Fields: map[string]string{
				crawler.FieldTitle:    CleanText(link.Text()),
				crawler.FieldCompany:  CleanText(row.Find(".name, .company, .corp-name").First().Text()),
				crawler.FieldLocation: CleanText(row.Find(".loc, .location, .area").First().Text()),
				crawler.FieldDeadline: CleanText(row.Find(".date, .deadline, .d-day").First().Text()),
			},
			ListingHTML: truncate(snippet, listingHTMLLimit),
		})
	})
	j.logger.Info("listings parsed", zap.Int("page", page), zap.Int("items", len(items)))
	return items, nil
}

func jobKoreaID(href string) string {
	for _, pattern := range jobKoreaIDPatterns {
		if id := matchID(pattern, href); id != "" {
			return id
		}
	}
	return ""
}

// FetchDetail implements crawler.Adapter.
func (j *JobKorea) FetchDetail(ctx context.Context, externalID string) (crawler.DetailRecord, error) {
	detailURL := j.url("/Recruit/GI_Read/" + url.PathEscape(externalID))
	doc, _, err := j.fetchDocument(ctx, detailURL, "")
	if err != nil {
		return crawler.DetailRecord{}, err
	}

	fields := detailRows(doc, jobKoreaInfoRows)
	doc.Find(".summary li").Each(func(_ int, li *goquery.Selection) {
		label := CleanText(li.Find("strong").Text())
		if label == "" {
			return
		}
		value := CleanText(strings.Replace(li.Text(), li.Find("strong").Text(), "", 1))
		if _, exists := fields[label]; !exists && value != "" {
			fields[label] = value
		}
	})

	requirements := collectRequirements(fields)
	requirements = append(requirements, listItems(doc.Find(".requirement li, .qualify li"))...)
	benefits := collectBenefits(fields)
	benefits = append(benefits, listItems(doc.Find(".benefit li, .welfare li"))...)

	deadlineText := firstField(fields, "모집마감일", "접수마감", "마감일")
	contactText := strings.Join([]string{
		firstField(fields, "연락처", "담당자 연락처"),
		firstField(fields, "이메일", "담당자 이메일"),
		firstField(fields, "홈페이지"),
	}, " ")
	description := CleanText(doc.Find(".detailed-summary-contents, .recruit-detail, .view-content").First().Text())
	kws := j.keywords(ctx)

	title := CleanText(doc.Find("h1, .title, .recruit-title").First().Text())
	now := j.now()
	deadline := ParseDeadline(deadlineText, now)
	return crawler.DetailRecord{
		NormalizedJob: crawler.NormalizedJob{
			Source:               j.source,
			ExternalID:           externalID,
			Title:                title,
			Company:              CleanText(doc.Find(".company-name, .coName, .company").First().Text()),
			Location:             ParseLocation(firstField(fields, "근무지역", "근무지", "지역")),
			Salary:               ParseSalary(firstField(fields, "급여", "연봉")),
			EmploymentType:       firstField(fields, "고용형태", "근무형태"),
			Description:          description,
			IsDisabilityFriendly: PageMentionsKeyword(doc, kws),
			CrawledAt:            now,
			ExpiresAt:            deadline,
			ExternalURL:          detailURL,
		},
		Requirements:        dedupe(requirements),
		Benefits:            dedupe(benefits),
		ApplicationDeadline: deadline,
		Contact:             ExtractContact(contactText),
	}, nil
}

// Normalize implements crawler.Adapter.
func (j *JobKorea) Normalize(ctx context.Context, raw crawler.RawItem) (crawler.NormalizedJob, error) {
	job := j.normalizeCommon(raw)
	job.IsDisabilityFriendly = ContainsKeyword(job.Title, j.keywords(ctx))
	if err := job.Validate(); err != nil {
		return crawler.NormalizedJob{}, err
	}
	return job, nil
}
