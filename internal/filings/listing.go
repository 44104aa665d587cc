package filings

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/pkg/models"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

var (
	contentFieldRe = map[string]*regexp.Regexp{
		edgar.ListingFieldAccession:  contentField(edgar.ListingFieldAccession),
		edgar.ListingFieldFilingDate: contentField(edgar.ListingFieldFilingDate),
		edgar.ListingFieldFilingType: contentField(edgar.ListingFieldFilingType),
	}
	titleCIKRe = regexp.MustCompile(`\s*\(\d+\)\s*$`)
)

func contentField(tag string) *regexp.Regexp {
	return regexp.MustCompile(`<` + tag + `>\s*([^<]*?)\s*</` + tag + `>`)
}

// listCompany pages through the Atom filing listing of one CIK, newest first.
// Paging stops at a short page, once limit entries are accepted, or once the
// listing reaches filings older than q.Start.
func (s *Service) listCompany(ctx context.Context, cik string, q Query, filter index.Filter, limit int) ([]models.FilingEntry, error) {
	dateb := ""
	if !q.End.IsZero() {
		dateb = q.End.Format("20060102")
	}

	var accepted []models.FilingEntry
	for start := 0; ; start += edgar.ListingPageSize {
		req := fetch.NewQuery(s.endpoints.Browse(), edgar.CompanyListingParams(cik, q.FormType, dateb, start))
		body, err := s.fetcher.Get(ctx, req)
		if err != nil {
			return accepted, fmt.Errorf("list filings of %s: %w", cik, err)
		}
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
		if err != nil {
			return accepted, fmt.Errorf("parse filings of %s: %w", cik, err)
		}

		company := strings.TrimSpace(titleCIKRe.ReplaceAllString(feed.Title, ""))
		reachedStart := false
		for _, item := range feed.Items {
			e, ok := listingEntry(cik, company, item)
			if !ok {
				s.log.Debug("skipping unparseable listing entry", zap.String("id", item.GUID))
				continue
			}
			if !q.Start.IsZero() && e.DateFiled.Before(utils.Day(q.Start)) {
				reachedStart = true
				continue
			}
			e.Ordinal = len(accepted)
			if filter(e) {
				accepted = append(accepted, e)
				if limit > 0 && len(accepted) >= limit {
					return accepted, nil
				}
			}
		}

		s.log.Debug("listing page",
			zap.String("cik", cik),
			zap.Int("start", start),
			zap.Int("items", len(feed.Items)),
			zap.Int("accepted", len(accepted)),
		)
		if len(feed.Items) < edgar.ListingPageSize || reachedStart {
			return accepted, nil
		}
	}
}

// listingEntry converts one Atom entry into a FilingEntry.
func listingEntry(cik, company string, item *gofeed.Item) (models.FilingEntry, bool) {
	field := func(tag string) string {
		if m := contentFieldRe[tag].FindStringSubmatch(item.Content); m != nil {
			return m[1]
		}
		return ""
	}

	accession := edgar.AccessionFromID(item.GUID)
	if accession == "" {
		accession = field(edgar.ListingFieldAccession)
	}

	formType := field(edgar.ListingFieldFilingType)
	if formType == "" && len(item.Categories) > 0 {
		formType = item.Categories[0]
	}

	var filed time.Time
	if d, err := utils.ParseDate(field(edgar.ListingFieldFilingDate)); err == nil {
		filed = d
	} else if item.UpdatedParsed != nil {
		filed = utils.Day(item.UpdatedParsed.In(utils.Eastern))
	}

	if accession == "" || formType == "" || filed.IsZero() {
		return models.FilingEntry{}, false
	}
	return models.FilingEntry{
		CIK:         cik,
		CompanyName: company,
		FormType:    formType,
		DateFiled:   filed,
		FileName:    edgar.ArchivePath(cik, accession),
	}, true
}
