// Package index locates filings through EDGAR's master index files. A period
// names one index file; Parse turns it into filing entries.
package index

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/pkg/models"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// maxLine bounds a single index line.
const maxLine = 1 << 20

// Filter decides whether an entry is kept. The entry's Ordinal is the slot it
// would take among the entries accepted so far.
type Filter func(models.FilingEntry) bool

// AcceptAll keeps every entry.
func AcceptAll(models.FilingEntry) bool { return true }

// And conjoins filters. Nil filters are ignored.
func And(filters ...Filter) Filter {
	var fs []Filter
	for _, f := range filters {
		if f != nil {
			fs = append(fs, f)
		}
	}
	if len(fs) == 0 {
		return AcceptAll
	}
	if len(fs) == 1 {
		return fs[0]
	}
	return func(e models.FilingEntry) bool {
		for _, f := range fs {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// Parse reads a master index. Lines before the dashed separator are header.
// Each data line has five pipe-delimited fields:
//
//	CIK|Company Name|Form Type|Date Filed|Filename
//
// Malformed lines are skipped. A nil filter accepts everything.
func Parse(r io.Reader, filter Filter) ([]models.FilingEntry, error) {
	if filter == nil {
		filter = AcceptAll
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		entries []models.FilingEntry
		inBody  bool
	)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !inBody {
			inBody = strings.HasPrefix(line, "---")
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			continue
		}
		entry.Ordinal = len(entries)
		if filter(entry) {
			entries = append(entries, entry)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (models.FilingEntry, bool) {
	fields := strings.Split(line, "|")
	if len(fields) != 5 {
		return models.FilingEntry{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if !utils.IsDigits(fields[0]) || fields[2] == "" || fields[4] == "" {
		return models.FilingEntry{}, false
	}
	filed, err := utils.ParseDate(fields[3])
	if err != nil {
		return models.FilingEntry{}, false
	}
	return models.FilingEntry{
		CIK:         utils.PadCIK(fields[0]),
		CompanyName: fields[1],
		FormType:    fields[2],
		DateFiled:   filed,
		FileName:    fields[4],
	}, true
}

// Getter is the part of fetch.Fetcher the locator uses.
type Getter interface {
	Get(ctx context.Context, req fetch.Request) ([]byte, error)
}

// Locator fetches and parses the index file of a period.
type Locator struct {
	fetcher   Getter
	endpoints edgar.Endpoints
	log       *zap.Logger
}

// NewLocator creates a Locator. A nil logger discards output.
func NewLocator(f Getter, endpoints edgar.Endpoints, log *zap.Logger) *Locator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locator{fetcher: f, endpoints: endpoints, log: log.Named("index")}
}

// Locate returns the entries of p's index accepted by filter. Days without a
// daily index (weekends, holidays) yield no entries.
func (l *Locator) Locate(ctx context.Context, p Period, filter Filter) ([]models.FilingEntry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	target := p.URL(l.endpoints)
	body, err := l.fetcher.Get(ctx, fetch.NewRequest(target, nil))
	if err != nil {
		if p.Granularity == Daily && missing(err) {
			l.log.Debug("no daily index", zap.Stringer("period", p))
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s index: %w", p, err)
	}
	entries, err := Parse(bytes.NewReader(body), filter)
	if err != nil {
		return nil, fmt.Errorf("parse %s index: %w", p, err)
	}
	l.log.Debug("located entries",
		zap.Stringer("period", p),
		zap.Int("entries", len(entries)),
	)
	return entries, nil
}

// missing reports whether err is upstream's answer for a file that does not
// exist. The archive host returns 403 as well as 404 for those.
func missing(err error) bool {
	var qe *fetch.QueryError
	if !errors.As(err, &qe) || qe.Kind != fetch.KindStatus {
		return false
	}
	return qe.StatusCode == http.StatusNotFound || qe.StatusCode == http.StatusForbidden
}
