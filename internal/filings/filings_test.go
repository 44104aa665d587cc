package filings

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/seenimoa/edgarsync/internal/archive"
	"github.com/seenimoa/edgarsync/internal/cik"
	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/internal/infra"
	"github.com/seenimoa/edgarsync/internal/layout"
	"github.com/seenimoa/edgarsync/pkg/models"
)

const tickersJSON = `{
 "0": {"cik_str": 320193, "ticker": "AAPL", "title": "Apple Inc."},
 "1": {"cik_str": 789019, "ticker": "MSFT", "title": "MICROSOFT CORP"}
}`

const q1Index = `Description:           Master Index of EDGAR Dissemination Feed

CIK|Company Name|Form Type|Date Filed|Filename
--------------------------------------------------------------------------------
320193|APPLE INC|10-Q|2020-01-28|edgar/data/320193/0000320193-20-000008.txt
320193|APPLE INC|10-Q/A|2020-02-10|edgar/data/320193/0000320193-20-000011.txt
789019|MICROSOFT CORP|10-Q|2020-01-29|edgar/data/789019/0001564590-20-002450.txt
789019|MICROSOFT CORP|8-K|2020-03-02|edgar/data/789019/0001193125-20-000061.txt
`

const dailyIndex = `CIK|Company Name|Form Type|Date Filed|Filename
--------------------------------------------------------------------------------
320193|APPLE INC|4|20201210|edgar/data/320193/0000320193-20-000120.txt
`

// listingSize is the number of filings the fake company listing holds.
const listingSize = 103

var listingNewest = time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC)

func listingForm(i int) string {
	return []string{"10-Q", "8-K", "10-Q/A"}[i%3]
}

func listingPage(start int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<title>APPLE INC  (0000320193)</title>
<id>https://www.sec.gov/cgi-bin/browse-edgar?action=getcompany&amp;CIK=0000320193</id>
<updated>2021-01-04T12:00:00-05:00</updated>
`)
	for i := start; i < listingSize && i < start+edgar.ListingPageSize; i++ {
		date := listingNewest.AddDate(0, 0, -i).Format("2006-01-02")
		acc := fmt.Sprintf("0000320193-20-%06d", i)
		fmt.Fprintf(&b, `<entry>
<category label="form type" scheme="https://www.sec.gov/" term="%[1]s"/>
<content type="text/xml">
<accession-number>%[2]s</accession-number>
<filing-date>%[3]s</filing-date>
<filing-type>%[1]s</filing-type>
</content>
<id>urn:tag:sec.gov,2008:accession-number=%[2]s</id>
<title>%[1]s</title>
<updated>%[3]sT12:00:00-05:00</updated>
</entry>
`, listingForm(i), acc, date)
	}
	b.WriteString("</feed>\n")
	return b.String()
}

type edgarServer struct {
	*httptest.Server
	mu       sync.Mutex
	listings int
	docs     int
	failDocs bool
}

func (s *edgarServer) counts() (listings, docs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings, s.docs
}

func newEdgarServer(t *testing.T) *edgarServer {
	t.Helper()
	es := &edgarServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/files/company_tickers.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tickersJSON)
	})
	mux.HandleFunc("/Archives/edgar/full-index/2020/QTR1/master.idx", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, q1Index)
	})
	mux.HandleFunc("/Archives/edgar/daily-index/2020/QTR4/master.20201210.idx", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, dailyIndex)
	})
	mux.HandleFunc("/Archives/edgar/daily-index/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusForbidden)
	})
	mux.HandleFunc("/Archives/edgar/data/", func(w http.ResponseWriter, r *http.Request) {
		es.mu.Lock()
		es.docs++
		fail := es.failDocs
		es.mu.Unlock()
		if fail {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "document "+filepath.Base(r.URL.Path))
	})
	mux.HandleFunc("/Archives/edgar/Feed/2020/QTR4/20201210.nc.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(feedArchive(t, map[string]string{"0000320193-20-000120.nc": "bulk form 4"}))
	})
	mux.HandleFunc("/cgi-bin/browse-edgar", func(w http.ResponseWriter, r *http.Request) {
		es.mu.Lock()
		es.listings++
		es.mu.Unlock()
		q := r.URL.Query()
		if q.Get("CIK") != "0000320193" {
			fmt.Fprint(w, "<html><body><h1>"+edgar.MarkerNoCIK+"</h1></body></html>")
			return
		}
		start, _ := strconv.Atoi(q.Get("start"))
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, listingPage(start))
	})
	es.Server = httptest.NewServer(mux)
	t.Cleanup(es.Close)
	return es
}

func feedArchive(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Error(err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	zw.Close()
	return buf.Bytes()
}

func newTestService(t *testing.T, srv *edgarServer) (*Service, string) {
	t.Helper()
	f := fetch.New(fetch.WithRateLimit(2000), fetch.WithRetry(0, time.Millisecond, 1))
	t.Cleanup(func() { f.Close(time.Second) })

	endpoints := edgar.NewEndpoints(srv.URL)
	root := t.TempDir()
	svc := NewService(
		f,
		cik.NewResolver(f, endpoints, infra.NewCache(infra.NoExpiration), nil),
		index.NewLocator(f, endpoints, nil),
		archive.NewExtractor(f, endpoints, archive.Options{ScratchDir: t.TempDir(), Workers: 2}),
		Config{Endpoints: endpoints, TargetDir: root, Layout: layout.MustParse(layout.DefaultTemplate)},
	)
	return svc, root
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSaveQuarterly(t *testing.T) {
	srv := newEdgarServer(t)
	svc, root := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{Mode: ModeQuarterly, Year: 2020, Quarter: 1, FormType: "10-Q"})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(rep.Directives) != 1 || rep.Directives[0].Period != index.QuarterPeriod(2020, 1) {
		t.Errorf("Directives = %v", rep.Directives)
	}
	if len(rep.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 exact 10-Q: %+v", len(rep.Entries), rep.Entries)
	}

	want := filepath.Join(root, "0000320193", "10-Q", "0000320193-20-000008.txt")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("expected %s: %v", want, err)
	}
	if string(data) != "document 0000320193-20-000008.txt" {
		t.Errorf("content = %q", data)
	}
	if len(rep.Files) != 2 {
		t.Errorf("Files = %v", rep.Files)
	}
}

func TestSaveFormMatchModes(t *testing.T) {
	tests := []struct {
		match Match
		form  string
		want  int
	}{
		{MatchExact, "10-Q", 2},
		{MatchAmendments, "10-Q", 3},
		{MatchPrefix, "10", 3},
		{MatchExact, "", 4},
	}
	for _, tt := range tests {
		t.Run(tt.match.String()+"/"+tt.form, func(t *testing.T) {
			srv := newEdgarServer(t)
			svc, _ := newTestService(t, srv)
			rep, err := svc.Save(context.Background(), Query{Mode: ModeQuarterly, Year: 2020, Quarter: 1, FormType: tt.form, Match: tt.match})
			if err != nil {
				t.Fatalf("Save() error: %v", err)
			}
			if len(rep.Entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(rep.Entries), tt.want)
			}
		})
	}
}

func TestSaveRangeFiltersByCIK(t *testing.T) {
	srv := newEdgarServer(t)
	svc, _ := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{
		Mode:  ModeRange,
		Terms: []string{"MSFT"},
		Start: day("2020-01-01"),
		End:   day("2020-03-31"),
	})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(rep.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(rep.Entries))
	}
	for _, e := range rep.Entries {
		if e.CIK != "0000789019" {
			t.Errorf("entry of %s leaked through the CIK filter", e.CIK)
		}
	}
}

func TestSaveRangeLimit(t *testing.T) {
	srv := newEdgarServer(t)
	svc, _ := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{Mode: ModeRange, Start: day("2020-01-01"), End: day("2020-03-31"), Limit: 1})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(rep.Entries) != 1 || len(rep.Files) != 1 {
		t.Errorf("Limit 1 gave %d entries, %d files", len(rep.Entries), len(rep.Files))
	}
}

func TestSaveDaily(t *testing.T) {
	srv := newEdgarServer(t)
	svc, root := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{Mode: ModeDaily, Date: day("2020-12-10")})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(rep.Files) != 1 || rep.Files[0] != filepath.Join(root, "0000320193", "4", "0000320193-20-000120.txt") {
		t.Errorf("Files = %v", rep.Files)
	}
}

func TestSaveDailyBulk(t *testing.T) {
	srv := newEdgarServer(t)
	svc, root := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{Mode: ModeDaily, Date: day("2020-12-10"), Bulk: true})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	want := filepath.Join(root, "0000320193", "4", "0000320193-20-000120.txt")
	if len(rep.Files) != 1 || rep.Files[0] != want {
		t.Fatalf("Files = %v, want [%s]", rep.Files, want)
	}
	if data, _ := os.ReadFile(want); string(data) != "bulk form 4" {
		t.Errorf("content = %q", data)
	}
	if _, docs := srv.counts(); docs != 0 {
		t.Errorf("bulk mode fetched %d individual documents", docs)
	}
}

func TestSaveNoResults(t *testing.T) {
	srv := newEdgarServer(t)
	svc, _ := newTestService(t, srv)

	// Saturday: no daily index.
	_, err := svc.Save(context.Background(), Query{Mode: ModeDaily, Date: day("2020-12-12")})
	var nre *NoResultsError
	if !errors.As(err, &nre) {
		t.Fatalf("Save() error = %v, want NoResultsError", err)
	}
	if nre.Query.Mode != ModeDaily {
		t.Errorf("NoResultsError.Query = %+v", nre.Query)
	}
}

func TestSaveUnresolvedTermsYieldNoResults(t *testing.T) {
	srv := newEdgarServer(t)
	svc, _ := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{Mode: ModeQuarterly, Year: 2020, Quarter: 1, Terms: []string{"320193"}})
	var nre *NoResultsError
	if !errors.As(err, &nre) {
		t.Fatalf("Save() error = %v, want NoResultsError", err)
	}
	var inv *cik.InvalidIdentifierError
	if !errors.As(rep.Skipped["320193"], &inv) {
		t.Errorf("Skipped = %v, want InvalidIdentifierError for the short CIK", rep.Skipped)
	}
}

func TestSaveDownloadFailureFails(t *testing.T) {
	srv := newEdgarServer(t)
	srv.mu.Lock()
	srv.failDocs = true
	srv.mu.Unlock()
	svc, _ := newTestService(t, srv)

	_, err := svc.Save(context.Background(), Query{Mode: ModeQuarterly, Year: 2020, Quarter: 1})
	var qe *fetch.QueryError
	if !errors.As(err, &qe) || qe.StatusCode != http.StatusNotFound {
		t.Fatalf("Save() error = %v, want 404 QueryError", err)
	}
}

func TestSaveUnknownMode(t *testing.T) {
	srv := newEdgarServer(t)
	svc, _ := newTestService(t, srv)

	_, err := svc.Save(context.Background(), Query{Mode: "weekly"})
	var um *ErrUnknownMode
	if !errors.As(err, &um) {
		t.Fatalf("Save() error = %v, want ErrUnknownMode", err)
	}
	if !strings.Contains(err.Error(), "company, daily, quarterly, range") {
		t.Errorf("error %q does not list the known modes", err)
	}
}

func TestSaveCompanyPagination(t *testing.T) {
	tests := []struct {
		name         string
		query        Query
		wantEntries  int
		wantListings int
	}{
		{
			name:         "pages until short page",
			query:        Query{Terms: []string{"AAPL"}},
			wantEntries:  listingSize,
			wantListings: 2,
		},
		{
			name:         "limit stops paging",
			query:        Query{Terms: []string{"AAPL"}, Limit: 5},
			wantEntries:  5,
			wantListings: 1,
		},
		{
			name:         "start date stops paging",
			query:        Query{Terms: []string{"0000320193"}, Start: day("2020-12-01")},
			wantEntries:  31,
			wantListings: 1,
		},
		{
			name:         "exact form filter",
			query:        Query{Terms: []string{"AAPL"}, FormType: "10-Q", Start: day("2020-12-01")},
			wantEntries:  11, // offsets 0, 3, ..., 30
			wantListings: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newEdgarServer(t)
			svc, _ := newTestService(t, srv)

			q := tt.query
			q.Mode = ModeCompany
			rep, err := svc.Save(context.Background(), q)
			if err != nil {
				t.Fatalf("Save() error: %v", err)
			}
			if len(rep.Entries) != tt.wantEntries {
				t.Errorf("got %d entries, want %d", len(rep.Entries), tt.wantEntries)
			}
			listings, docs := srv.counts()
			if listings != tt.wantListings {
				t.Errorf("listing requests = %d, want %d", listings, tt.wantListings)
			}
			if docs != tt.wantEntries {
				t.Errorf("document downloads = %d, want %d", docs, tt.wantEntries)
			}
			for i, e := range rep.Entries {
				if e.CompanyName != "APPLE INC" || e.CIK != "0000320193" {
					t.Fatalf("entry %d = %+v", i, e)
				}
			}
		})
	}
}

func TestSaveCompanyEntryFields(t *testing.T) {
	srv := newEdgarServer(t)
	svc, root := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{Mode: ModeCompany, Terms: []string{"AAPL"}, Limit: 1})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	want := models.FilingEntry{
		CIK:         "0000320193",
		CompanyName: "APPLE INC",
		FormType:    "10-Q",
		DateFiled:   listingNewest,
		FileName:    "edgar/data/320193/0000320193-20-000000.txt",
	}
	if rep.Entries[0] != want {
		t.Errorf("entry = %+v\nwant %+v", rep.Entries[0], want)
	}
	if _, err := os.Stat(filepath.Join(root, "0000320193", "10-Q", "0000320193-20-000000.txt")); err != nil {
		t.Errorf("document not saved: %v", err)
	}
}

func TestSaveCompanyUnknownCIKIsSkipped(t *testing.T) {
	srv := newEdgarServer(t)
	svc, _ := newTestService(t, srv)

	rep, err := svc.Save(context.Background(), Query{Mode: ModeCompany, Terms: []string{"MSFT", "AAPL"}, Limit: 2})
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !fetch.IsNoMatches(rep.Skipped["0000789019"]) {
		t.Errorf("Skipped = %v", rep.Skipped)
	}
	if len(rep.Entries) != 2 {
		t.Errorf("got %d entries", len(rep.Entries))
	}
}

func TestMatchAccepts(t *testing.T) {
	tests := []struct {
		match     Match
		want, got string
		ok        bool
	}{
		{MatchExact, "10-K", "10-K", true},
		{MatchExact, "10-k", "10-K", true},
		{MatchExact, "10-K", "10-K/A", false},
		{MatchExact, "10-K", "10-K405", false},
		{MatchAmendments, "10-K", "10-K/A", true},
		{MatchAmendments, "10-K", "10-K405", false},
		{MatchPrefix, "10-K", "10-K405", true},
		{MatchPrefix, "10-K", "10-Q", false},
		{MatchExact, "", "anything", true},
	}
	for _, tt := range tests {
		if got := tt.match.Accepts(tt.want, tt.got); got != tt.ok {
			t.Errorf("%v.Accepts(%q, %q) = %v, want %v", tt.match, tt.want, tt.got, got, tt.ok)
		}
	}
}

func TestParseMatch(t *testing.T) {
	for in, want := range map[string]Match{"": MatchExact, "exact": MatchExact, "Amendments": MatchAmendments, "prefix": MatchPrefix} {
		got, err := ParseMatch(in)
		if err != nil || got != want {
			t.Errorf("ParseMatch(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMatch("fuzzy"); err == nil {
		t.Error("ParseMatch(fuzzy) should fail")
	}
}
