// Package filings orchestrates retrieval: it turns a Query into index
// directives or listing entries, derives download tasks and runs them through
// the fetcher or the bulk archive extractor.
package filings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/seenimoa/edgarsync/internal/archive"
	"github.com/seenimoa/edgarsync/internal/cik"
	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/internal/layout"
	"github.com/seenimoa/edgarsync/internal/planner"
	"github.com/seenimoa/edgarsync/pkg/models"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// Fetcher is the part of fetch.Fetcher the service uses.
type Fetcher interface {
	Get(ctx context.Context, req fetch.Request) ([]byte, error)
	FetchBatch(ctx context.Context, tasks []models.DownloadTask) error
}

// Config holds the service's layout and planning settings.
type Config struct {
	Endpoints      edgar.Endpoints
	TargetDir      string
	Layout         layout.Template
	BalancingPoint int
	Logger         *zap.Logger
}

// selection is what a strategy produces: directives for index modes, or
// entries already located for the company mode.
type selection struct {
	directives []planner.Directive
	entries    []models.FilingEntry
	located    bool
	skipped    map[string]error
}

type strategy func(ctx context.Context, q Query) (selection, error)

// Service runs queries. It is safe for concurrent use.
type Service struct {
	fetcher   Fetcher
	resolver  *cik.Resolver
	locator   *index.Locator
	extractor *archive.Extractor
	endpoints edgar.Endpoints
	cfg       Config
	log       *zap.Logger

	strategies map[Mode]strategy
}

// NewService wires a service from its collaborators.
func NewService(f Fetcher, resolver *cik.Resolver, locator *index.Locator, extractor *archive.Extractor, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TargetDir == "" {
		cfg.TargetDir = "."
	}
	if cfg.BalancingPoint <= 0 {
		cfg.BalancingPoint = planner.DefaultBalancingPoint
	}
	s := &Service{
		fetcher:   f,
		resolver:  resolver,
		locator:   locator,
		extractor: extractor,
		endpoints: cfg.Endpoints,
		cfg:       cfg,
		log:       cfg.Logger.Named("filings"),
	}
	s.strategies = map[Mode]strategy{
		ModeCompany:   s.company,
		ModeDaily:     s.daily,
		ModeQuarterly: s.quarterly,
		ModeRange:     s.dateRange,
	}
	return s
}

// Save retrieves every filing q selects and writes each to its layout
// destination. Any download failure fails the whole call. A query that
// accepts nothing returns *NoResultsError along with the report.
func (s *Service) Save(ctx context.Context, q Query) (Report, error) {
	run, ok := s.strategies[q.Mode]
	if !ok {
		return Report{}, &ErrUnknownMode{Mode: q.Mode}
	}
	started := time.Now()
	s.log.Info("query started", zap.Stringer("query", q))

	sel, err := run(ctx, q)
	rep := Report{Mode: q.Mode, Directives: sel.directives, Skipped: sel.skipped}
	if err != nil {
		return rep, err
	}

	if !sel.located {
		if sel.entries, err = s.locate(ctx, sel.directives, q.Limit); err != nil {
			return rep, err
		}
	}
	rep.Entries = sel.entries
	if len(rep.Entries) == 0 {
		return rep, &NoResultsError{Query: q}
	}

	if q.Bulk {
		rep.Files, err = s.extract(ctx, rep.Entries, sel.directives)
	} else {
		rep.Files, err = s.download(ctx, rep.Entries)
	}
	if err != nil {
		return rep, err
	}

	s.log.Info("query complete",
		zap.Stringer("query", q),
		zap.Int("entries", len(rep.Entries)),
		zap.Int("files", len(rep.Files)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return rep, nil
}

// --- Strategies ---

func (s *Service) company(ctx context.Context, q Query) (selection, error) {
	if len(q.Terms) == 0 {
		return selection{}, errors.New("company mode needs at least one ticker, name or CIK")
	}
	ciks, skipped, err := s.resolve(ctx, q.Terms)
	if err != nil {
		return selection{}, err
	}
	sel := selection{located: true, skipped: skipped}
	filter := index.And(s.formFilter(q), q.Filter)
	for _, c := range ciks {
		entries, err := s.listCompany(ctx, c, q, filter, q.Limit)
		if err != nil {
			if fetch.IsNoMatches(err) {
				s.log.Warn("no filings listed", zap.String("cik", c), zap.Error(err))
				sel.skipped[c] = err
				continue
			}
			return sel, err
		}
		sel.entries = append(sel.entries, entries...)
	}
	return sel, nil
}

func (s *Service) daily(ctx context.Context, q Query) (selection, error) {
	if q.Date.IsZero() {
		return selection{}, errors.New("daily mode needs a date")
	}
	return s.plan(ctx, q, q.Date, q.Date)
}

func (s *Service) quarterly(ctx context.Context, q Query) (selection, error) {
	p := index.QuarterPeriod(q.Year, q.Quarter)
	if err := p.Validate(); err != nil {
		return selection{}, err
	}
	return s.plan(ctx, q, p.Start(), p.End())
}

func (s *Service) dateRange(ctx context.Context, q Query) (selection, error) {
	if q.Start.IsZero() {
		return selection{}, errors.New("range mode needs a start date")
	}
	end := q.End
	if end.IsZero() {
		end = utils.TodayEastern()
	}
	return s.plan(ctx, q, q.Start, end)
}

// plan builds the index directives of [start, end] with the query's filters.
func (s *Service) plan(ctx context.Context, q Query, start, end time.Time) (selection, error) {
	var sel selection
	filters := []index.Filter{s.formFilter(q), q.Filter}
	if len(q.Terms) > 0 {
		ciks, skipped, err := s.resolve(ctx, q.Terms)
		sel.skipped = skipped
		if err != nil {
			return sel, err
		}
		if len(ciks) == 0 {
			return sel, nil
		}
		set := lo.SliceToMap(ciks, func(c string) (string, bool) { return c, true })
		filters = append(filters, func(e models.FilingEntry) bool { return set[e.CIK] })
	}

	ds, err := planner.Plan(start, end, s.cfg.BalancingPoint, index.And(filters...))
	if err != nil {
		return sel, err
	}
	sel.directives = ds
	q1, d1 := planner.Count(ds)
	s.log.Debug("planned directives", zap.Int("quarterly", q1), zap.Int("daily", d1))
	return sel, nil
}

func (s *Service) resolve(ctx context.Context, terms []string) ([]string, map[string]error, error) {
	res, err := s.resolver.Resolve(ctx, terms)
	if err != nil {
		return nil, nil, err
	}
	return res.Values(terms), res.Skipped, nil
}

func (s *Service) formFilter(q Query) index.Filter {
	if q.FormType == "" {
		return nil
	}
	return func(e models.FilingEntry) bool { return q.Match.Accepts(q.FormType, e.FormType) }
}

// --- Execution ---

// locate runs directives in chronological order. A positive limit caps the
// total number of entries.
func (s *Service) locate(ctx context.Context, ds []planner.Directive, limit int) ([]models.FilingEntry, error) {
	var all []models.FilingEntry
	for _, d := range ds {
		entries, err := s.locator.Locate(ctx, d.Period, d.Filter)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
		if limit > 0 && len(all) >= limit {
			return all[:limit], nil
		}
	}
	return all, nil
}

// tasks derives one download task per destination.
func (s *Service) tasks(entries []models.FilingEntry) []models.DownloadTask {
	tasks := lo.Map(entries, func(e models.FilingEntry, _ int) models.DownloadTask {
		return models.DownloadTask{
			URL:  s.endpoints.Document(e.DerivedPath()),
			Path: s.cfg.Layout.Path(s.cfg.TargetDir, e),
		}
	})
	return lo.UniqBy(tasks, func(t models.DownloadTask) string { return t.Path })
}

func (s *Service) download(ctx context.Context, entries []models.FilingEntry) ([]string, error) {
	tasks := s.tasks(entries)
	if err := s.fetcher.FetchBatch(ctx, tasks); err != nil {
		return nil, err
	}
	files := lo.Map(tasks, func(t models.DownloadTask, _ int) string { return t.Path })
	sort.Strings(files)
	return files, nil
}

// extract runs the bulk pipeline once per period. Index modes use the
// directive periods; listing entries are grouped by filing day.
func (s *Service) extract(ctx context.Context, entries []models.FilingEntry, ds []planner.Directive) ([]string, error) {
	if s.extractor == nil {
		return nil, errors.New("bulk retrieval is not configured")
	}

	type group struct {
		period  index.Period
		entries []models.FilingEntry
	}
	var groups []*group
	byKey := map[string]*group{}
	add := func(p index.Period, e models.FilingEntry) {
		key := p.String()
		g, ok := byKey[key]
		if !ok {
			g = &group{period: p}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}
	for _, e := range entries {
		add(periodOf(e, ds), e)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].period.Start().Before(groups[j].period.Start()) })

	var files []string
	for _, g := range groups {
		res, err := s.extractor.Extract(ctx, g.period, g.entries, s.cfg.TargetDir, s.cfg.Layout)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", g.period, err)
		}
		files = append(files, res.Files...)
	}
	sort.Strings(files)
	return files, nil
}

// periodOf returns the directive period that covers e's filing day, or the
// day itself.
func periodOf(e models.FilingEntry, ds []planner.Directive) index.Period {
	d := utils.Day(e.DateFiled)
	for _, dir := range ds {
		if !d.Before(dir.From) && !d.After(dir.To) {
			return dir.Period
		}
	}
	return index.DayPeriod(d)
}
