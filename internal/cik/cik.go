// Package cik resolves tickers, company names and literal identifiers to
// 10-digit EDGAR Central Index Keys.
package cik

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/internal/infra"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

const tablesKey = "cik:company_tickers"

var cikPattern = regexp.MustCompile(`\b\d{10}\b`)

// Getter is the part of fetch.Fetcher the resolver uses.
type Getter interface {
	Get(ctx context.Context, req fetch.Request) ([]byte, error)
}

// Result is the outcome of one Resolve call. Terms that failed to resolve are
// absent from CIKs and listed in Skipped with the reason.
type Result struct {
	CIKs    map[string]string
	Skipped map[string]error
}

// Values returns the resolved CIKs in first-seen order, without duplicates.
func (r Result) Values(terms []string) []string {
	var out []string
	for _, t := range terms {
		if c, ok := r.CIKs[t]; ok {
			out = append(out, c)
		}
	}
	return lo.Uniq(out)
}

// tables are the ticker and title lookups built from company_tickers.json.
type tables struct {
	tickers map[string]string // normalised ticker -> CIK
	titles  map[string]string // upper-cased title -> CIK
}

// Resolver maps lookup terms to CIKs. The ticker tables are memoised in the
// injected cache until Invalidate is called.
type Resolver struct {
	fetcher   Getter
	endpoints edgar.Endpoints
	cache     *infra.Cache
	log       *zap.Logger
}

// NewResolver creates a resolver. A nil cache gets a private one that never
// expires; a nil logger discards output.
func NewResolver(f Getter, endpoints edgar.Endpoints, cache *infra.Cache, log *zap.Logger) *Resolver {
	if cache == nil {
		cache = infra.NewCache(infra.NoExpiration)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		fetcher:   f,
		endpoints: endpoints,
		cache:     cache,
		log:       log.Named("cik"),
	}
}

// Invalidate drops the memoised ticker tables. The next lookup refetches them.
func (r *Resolver) Invalidate() {
	r.cache.Invalidate(tablesKey)
}

// Resolve maps each term to a CIK. Per-term failures (ambiguous names,
// unknown companies, malformed identifiers) are recorded in Result.Skipped
// and logged; transport failures abort the call.
func (r *Resolver) Resolve(ctx context.Context, terms []string) (Result, error) {
	res := Result{CIKs: map[string]string{}, Skipped: map[string]error{}}

	for _, term := range lo.Uniq(terms) {
		value, err := r.resolveTerm(ctx, term)
		if err == nil {
			err = validate(term, value)
		}
		if err != nil {
			if !perTerm(err) {
				return Result{}, fmt.Errorf("resolve %q: %w", term, err)
			}
			r.log.Warn("skipping term", zap.String("term", term), zap.Error(err))
			res.Skipped[term] = err
			continue
		}
		res.CIKs[term] = value
	}
	return res, nil
}

func (r *Resolver) resolveTerm(ctx context.Context, term string) (string, error) {
	trimmed := strings.TrimSpace(term)
	if utils.IsDigits(trimmed) {
		return trimmed, nil
	}

	t, err := r.tables(ctx)
	if err != nil {
		return "", err
	}
	key := utils.NormalizeTicker(trimmed)
	if c, ok := t.tickers[key]; ok {
		return c, nil
	}
	if c, ok := t.titles[strings.ToUpper(trimmed)]; ok {
		return c, nil
	}
	return r.search(ctx, trimmed)
}

func (r *Resolver) tables(ctx context.Context) (*tables, error) {
	if cached, ok := r.cache.Get(tablesKey); ok {
		return cached.(*tables), nil
	}

	body, err := r.fetcher.Get(ctx, fetch.NewRequest(r.endpoints.CompanyTickers(), nil))
	if err != nil {
		return nil, fmt.Errorf("load ticker table: %w", err)
	}
	var rows map[string]edgar.TickerEntry
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse ticker table: %w", err)
	}

	t := &tables{
		tickers: make(map[string]string, len(rows)),
		titles:  make(map[string]string, len(rows)),
	}
	for _, row := range rows {
		c := row.PaddedCIK()
		if row.Ticker != "" {
			t.tickers[utils.NormalizeTicker(row.Ticker)] = c
		}
		if row.Title != "" {
			t.titles[strings.ToUpper(strings.TrimSpace(row.Title))] = c
		}
	}
	r.cache.Set(tablesKey, t)
	r.log.Debug("loaded ticker table", zap.Int("rows", len(rows)))
	return t, nil
}

// search runs the HTML company search for term.
func (r *Resolver) search(ctx context.Context, term string) (string, error) {
	req := fetch.NewQuery(r.endpoints.Browse(), edgar.CompanySearchParams(term))
	body, err := r.fetcher.Get(ctx, req)
	if err != nil {
		return "", err
	}
	return parseSearch(term, req.String(), body)
}

// parseSearch extracts the CIK from a company-search page. A single-filer page
// carries a span.companyName header; a multi-filer page lists candidates in
// table.tableFile2.
func parseSearch(term, target string, body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse company search: %w", err)
	}

	if header := doc.Find("span.companyName").First(); header.Length() > 0 {
		if m := cikPattern.FindString(header.Text()); m != "" {
			return m, nil
		}
		return "", &InvalidIdentifierError{Term: term, Value: strings.TrimSpace(header.Text())}
	}

	var candidates []Candidate
	doc.Find("table.tableFile2 tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		candidates = append(candidates, Candidate{
			CIK:  strings.TrimSpace(cells.Eq(0).Text()),
			Name: strings.TrimSpace(cells.Eq(1).Text()),
		})
	})
	switch len(candidates) {
	case 0:
		return "", &fetch.QueryError{URL: target, Kind: fetch.KindNoMatches, Message: "no company found"}
	case 1:
		return utils.PadCIK(candidates[0].CIK), nil
	}
	return "", &AmbiguousResolutionError{Term: term, Candidates: candidates}
}

func validate(term, value string) error {
	if !utils.IsCIK(value) {
		return &InvalidIdentifierError{Term: term, Value: value}
	}
	return nil
}

// perTerm reports whether err only affects the term it was raised for.
func perTerm(err error) bool {
	var (
		ambiguous *AmbiguousResolutionError
		invalid   *InvalidIdentifierError
		query     *fetch.QueryError
	)
	switch {
	case errors.As(err, &ambiguous), errors.As(err, &invalid):
		return true
	case errors.As(err, &query):
		return query.Kind == fetch.KindNoMatches || query.Kind == fetch.KindInvalidValue
	}
	return false
}
