package cik

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/internal/infra"
)

const tickersJSON = `{
 "0": {"cik_str": 320193, "ticker": "AAPL", "title": "Apple Inc."},
 "1": {"cik_str": 789019, "ticker": "MSFT", "title": "MICROSOFT CORP"},
 "2": {"cik_str": 1018724, "ticker": "AMZN", "title": "AMAZON COM INC"}
}`

const singlePage = `<html><body><div class="companyInfo">
<span class="companyName">INTERNATIONAL BUSINESS MACHINES CORP <acronym title="Central Index Key">CIK</acronym>#: <a href="/cgi-bin/browse-edgar?action=getcompany&amp;CIK=0000051143">0000051143 (see all company filings)</a></span>
</div></body></html>`

const ambiguousPage = `<html><body><table class="tableFile2" summary="Results">
<tr><th>CIK</th><th>Company</th><th>State/Country</th></tr>
<tr><td><a href="#">0001000001</a></td><td>ACME CORP</td><td>DE</td></tr>
<tr><td><a href="#">0001000002</a></td><td>ACME HOLDINGS INC</td><td>NY</td></tr>
</table></body></html>`

// fakeGetter serves canned bodies keyed by a substring of the request URL.
type fakeGetter struct {
	mu     sync.Mutex
	routes map[string]string
	errs   map[string]error
	calls  []string
}

func (f *fakeGetter) Get(_ context.Context, req fetch.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := req.String()
	f.calls = append(f.calls, target)
	for k, err := range f.errs {
		if strings.Contains(target, k) {
			return nil, err
		}
	}
	for k, body := range f.routes {
		if strings.Contains(target, k) {
			return []byte(body), nil
		}
	}
	return nil, &fetch.QueryError{URL: target, Kind: fetch.KindNoMatches, Message: edgar.MarkerNoCompanies}
}

func (f *fakeGetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestResolver(g *fakeGetter) *Resolver {
	return NewResolver(g, edgar.NewEndpoints("http://edgar.test"), infra.NewCache(infra.NoExpiration), nil)
}

func TestResolveLiteralMakesNoNetworkCall(t *testing.T) {
	g := &fakeGetter{}
	r := newTestResolver(g)

	res, err := r.Resolve(context.Background(), []string{"0000320193"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got := res.CIKs["0000320193"]; got != "0000320193" {
		t.Errorf("CIKs = %v", res.CIKs)
	}
	if g.count() != 0 {
		t.Errorf("literal identifier triggered %d network calls", g.count())
	}
}

func TestResolveTables(t *testing.T) {
	g := &fakeGetter{routes: map[string]string{"company_tickers.json": tickersJSON}}
	r := newTestResolver(g)

	res, err := r.Resolve(context.Background(), []string{"aapl", "$MSFT", "Amazon Com Inc"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	want := map[string]string{
		"aapl":           "0000320193",
		"$MSFT":          "0000789019",
		"Amazon Com Inc": "0001018724",
	}
	for term, cik := range want {
		if res.CIKs[term] != cik {
			t.Errorf("CIKs[%q] = %q, want %q", term, res.CIKs[term], cik)
		}
	}
	if g.count() != 1 {
		t.Errorf("expected one table fetch, got %d calls", g.count())
	}

	// Memoised until Invalidate.
	if _, err := r.Resolve(context.Background(), []string{"AAPL"}); err != nil {
		t.Fatal(err)
	}
	if g.count() != 1 {
		t.Errorf("table refetched without Invalidate: %d calls", g.count())
	}
	r.Invalidate()
	if _, err := r.Resolve(context.Background(), []string{"AAPL"}); err != nil {
		t.Fatal(err)
	}
	if g.count() != 2 {
		t.Errorf("table not refetched after Invalidate: %d calls", g.count())
	}
}

func TestResolveCompanySearch(t *testing.T) {
	g := &fakeGetter{routes: map[string]string{
		"company_tickers.json": tickersJSON,
		"company=IBM":          singlePage,
	}}
	r := newTestResolver(g)

	res, err := r.Resolve(context.Background(), []string{"IBM"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got := res.CIKs["IBM"]; got != "0000051143" {
		t.Errorf("CIKs[IBM] = %q, want 0000051143", got)
	}
}

func TestResolveAmbiguousIsDropped(t *testing.T) {
	g := &fakeGetter{routes: map[string]string{
		"company_tickers.json": tickersJSON,
		"company=acme":         ambiguousPage,
	}}
	r := newTestResolver(g)

	res, err := r.Resolve(context.Background(), []string{"acme", "AAPL"})
	if err != nil {
		t.Fatalf("ambiguous term must not fail the batch: %v", err)
	}
	if _, ok := res.CIKs["acme"]; ok {
		t.Error("ambiguous term must be absent from the mapping")
	}
	if res.CIKs["AAPL"] != "0000320193" {
		t.Errorf("unrelated term not resolved: %v", res.CIKs)
	}
	var amb *AmbiguousResolutionError
	if !errors.As(res.Skipped["acme"], &amb) {
		t.Fatalf("Skipped[acme] = %v, want AmbiguousResolutionError", res.Skipped["acme"])
	}
	if len(amb.Candidates) != 2 || amb.Candidates[1].Name != "ACME HOLDINGS INC" {
		t.Errorf("candidates = %+v", amb.Candidates)
	}
}

func TestResolveAmbiguousOnlyYieldsEmptyMapping(t *testing.T) {
	g := &fakeGetter{routes: map[string]string{
		"company_tickers.json": tickersJSON,
		"company=acme":         ambiguousPage,
	}}
	res, err := newTestResolver(g).Resolve(context.Background(), []string{"acme"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(res.CIKs) != 0 {
		t.Errorf("CIKs = %v, want empty", res.CIKs)
	}
}

func TestResolveNoMatchesIsSkipped(t *testing.T) {
	g := &fakeGetter{routes: map[string]string{"company_tickers.json": tickersJSON}}
	res, err := newTestResolver(g).Resolve(context.Background(), []string{"nosuchco"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !fetch.IsNoMatches(res.Skipped["nosuchco"]) {
		t.Errorf("Skipped = %v, want no-matches QueryError", res.Skipped)
	}
}

func TestResolveInvalidIdentifier(t *testing.T) {
	tests := []struct {
		term string
	}{
		{"320193"},      // too short
		{"00003201930"}, // too long
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			g := &fakeGetter{}
			res, err := newTestResolver(g).Resolve(context.Background(), []string{tt.term})
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			var inv *InvalidIdentifierError
			if !errors.As(res.Skipped[tt.term], &inv) {
				t.Errorf("Skipped[%q] = %v, want InvalidIdentifierError", tt.term, res.Skipped[tt.term])
			}
			if g.count() != 0 {
				t.Errorf("literal terms must not hit the network")
			}
		})
	}
}

func TestResolveTransportFailureIsFatal(t *testing.T) {
	g := &fakeGetter{errs: map[string]error{
		"company_tickers.json": &fetch.TransportError{URL: "company_tickers.json", StatusCode: 503},
	}}
	_, err := newTestResolver(g).Resolve(context.Background(), []string{"AAPL"})
	var te *fetch.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Resolve() error = %v, want TransportError", err)
	}
}

func TestResultValues(t *testing.T) {
	res := Result{CIKs: map[string]string{
		"AAPL":       "0000320193",
		"Apple Inc.": "0000320193",
		"MSFT":       "0000789019",
	}}
	got := res.Values([]string{"MSFT", "AAPL", "Apple Inc.", "missing"})
	if len(got) != 2 || got[0] != "0000789019" || got[1] != "0000320193" {
		t.Errorf("Values() = %v", got)
	}
}
