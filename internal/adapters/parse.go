package adapters

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

const (
	currencyKRW = "KRW"
	manwon      = 10_000
	// hours per day, days per month, months per year
	hourlyToYearly = 8 * 20 * 12
	ongoingMonths  = 6
)

var (
	salaryRangePattern   = regexp.MustCompile(`(\d+)(?:만원)?~(\d+)만원`)
	salaryYearlyPattern  = regexp.MustCompile(`연봉(\d+)만원`)
	salaryMonthlyPattern = regexp.MustCompile(`월급?(\d+)만원`)
	salaryHourlyPattern  = regexp.MustCompile(`시급(\d+)(만|천)?원`)
	currencyPattern      = regexp.MustCompile(`(\d+)(억|만|천)?원`)

	fullDatePattern  = regexp.MustCompile(`(\d{4})[-./](\d{1,2})[-./](\d{1,2})`)
	shortDatePattern = regexp.MustCompile(`(\d{1,2})/(\d{1,2})`)
	ongoingMarkers   = []string{"상시", "채용시", "수시"}

	phonePattern   = regexp.MustCompile(`0\d{1,2}-\d{3,4}-\d{4}`)
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	websitePattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

	listSeparators = regexp.MustCompile(`[,、·\n]`)
)

// CleanText unescapes entities and collapses whitespace.
func CleanText(value string) string {
	value = html.UnescapeString(value)
	return strings.Join(strings.Fields(value), " ")
}

// ParseSalary converts Korean salary text into an annual KRW range. Yearly,
// monthly (x12), hourly (x8x20x12) and explicit 만원 ranges are recognized;
// anything else returns nil.
func ParseSalary(text string) *crawler.SalaryRange {
	compact := compactText(text)
	if compact == "" {
		return nil
	}
	if m := salaryRangePattern.FindStringSubmatch(compact); m != nil {
		return &crawler.SalaryRange{
			Min:      atoi64(m[1]) * manwon,
			Max:      atoi64(m[2]) * manwon,
			Currency: currencyKRW,
		}
	}
	if m := salaryYearlyPattern.FindStringSubmatch(compact); m != nil {
		return &crawler.SalaryRange{Min: atoi64(m[1]) * manwon, Currency: currencyKRW}
	}
	if m := salaryMonthlyPattern.FindStringSubmatch(compact); m != nil {
		return &crawler.SalaryRange{Min: atoi64(m[1]) * manwon * 12, Currency: currencyKRW}
	}
	if m := salaryHourlyPattern.FindStringSubmatch(compact); m != nil {
		return &crawler.SalaryRange{Min: scaleUnit(atoi64(m[1]), m[2]) * hourlyToYearly, Currency: currencyKRW}
	}
	if amount := ParseKoreanCurrency(compact); amount > 0 {
		return &crawler.SalaryRange{Min: amount, Currency: currencyKRW}
	}
	return nil
}

// ParseKoreanCurrency returns the first amount written as N원, N천원, N만원 or
// N억원, or zero when none is present.
func ParseKoreanCurrency(text string) int64 {
	m := currencyPattern.FindStringSubmatch(compactText(text))
	if m == nil {
		return 0
	}
	return scaleUnit(atoi64(m[1]), m[2])
}

func scaleUnit(amount int64, unit string) int64 {
	switch unit {
	case "억":
		return amount * 100_000_000
	case "만":
		return amount * manwon
	case "천":
		return amount * 1_000
	default:
		return amount
	}
}

// ParseDeadline converts deadline text into an expiry instant at the end of
// the named day. Ongoing recruitment yields now plus six months so it is never
// treated as expired.
func ParseDeadline(text string, now time.Time) *time.Time {
	cleaned := CleanText(text)
	if cleaned == "" {
		return nil
	}
	loc := now.Location()
	if m := fullDatePattern.FindStringSubmatch(cleaned); m != nil {
		return endOfDay(atoi(m[1]), atoi(m[2]), atoi(m[3]), loc)
	}
	if m := shortDatePattern.FindStringSubmatch(cleaned); m != nil {
		return endOfDay(now.Year(), atoi(m[1]), atoi(m[2]), loc)
	}
	for _, marker := range ongoingMarkers {
		if strings.Contains(cleaned, marker) {
			future := now.AddDate(0, ongoingMonths, 0)
			return &future
		}
	}
	return nil
}

func endOfDay(year, month, day int, loc *time.Location) *time.Time {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 23, 59, 59, 0, loc)
	if t.Day() != day {
		return nil
	}
	return &t
}

// ParseLocation splits an address into city and district tokens.
func ParseLocation(text string) *crawler.Location {
	cleaned := CleanText(strings.ReplaceAll(text, ">", " "))
	if cleaned == "" {
		return nil
	}
	loc := &crawler.Location{Address: cleaned}
	fields := strings.Fields(cleaned)
	loc.City = fields[0]
	if len(fields) > 1 {
		loc.District = fields[1]
	}
	return loc
}

// ExtractContact scans free text for a phone number, e-mail and website.
func ExtractContact(text string) crawler.ContactInfo {
	return crawler.ContactInfo{
		Phone:   phonePattern.FindString(text),
		Email:   emailPattern.FindString(text),
		Website: websitePattern.FindString(text),
	}
}

// SplitList splits benefit-style enumerations on commas, 、 and ·.
func SplitList(text string) []string {
	var out []string
	for _, part := range listSeparators.Split(text, -1) {
		if item := CleanText(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// matchID returns the first capture group of pattern in value, or "".
func matchID(pattern *regexp.Regexp, value string) string {
	m := pattern.FindStringSubmatch(value)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func absoluteURL(base string, href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func compactText(text string) string {
	return strings.NewReplacer(",", "", " ", "").Replace(strings.Join(strings.Fields(text), ""))
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
