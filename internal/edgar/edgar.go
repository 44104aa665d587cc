// Package edgar describes the upstream SEC EDGAR protocol: endpoints, query
// parameters, wire shapes and the body markers that signal query failures.
//
// No API key required. Every request must carry a User-Agent naming the
// caller per SEC fair-access policy.
// Docs: https://www.sec.gov/os/accessing-edgar-data
// Rate limit: 10 requests/second per user-agent.
package edgar

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/seenimoa/edgarsync/pkg/utils"
)

const (
	// DefaultBaseURL is the public EDGAR host.
	DefaultBaseURL = "https://www.sec.gov"

	// DefaultUserAgent identifies this tool. Operators should override it with
	// a company name and contact address.
	DefaultUserAgent = "edgarsync/1.0 (github.com/seenimoa/edgarsync)"

	// DefaultRequestsPerSecond is the SEC fair-access ceiling.
	DefaultRequestsPerSecond = 10

	// ListingPageSize is the fixed page size of the company filing listing.
	ListingPageSize = 100

	browsePath    = "/cgi-bin/browse-edgar"
	tickersPath   = "/files/company_tickers.json"
	fullIndexDir  = "/Archives/edgar/full-index"
	dailyIndexDir = "/Archives/edgar/daily-index"
	feedDir       = "/Archives/edgar/Feed"
)

// --- Body markers ---

// Markers in a 200 response body that mean the query itself failed.
const (
	MarkerInvalidValue   = "The value you submitted is not valid"
	MarkerNoTicker       = "No matching Ticker Symbol"
	MarkerNoCompanies    = "No matching companies"
	MarkerNoCIK          = "No matching CIK"
	MarkerTooManyRequest = "Your Request Originates from an Undeclared Automated Tool"
)

// NoMatchMarkers are the markers that mean a lookup matched nothing.
var NoMatchMarkers = []string{MarkerNoTicker, MarkerNoCompanies, MarkerNoCIK}

// --- Endpoints ---

// Endpoints builds absolute upstream URLs against one base host.
type Endpoints struct {
	base string
}

// NewEndpoints returns endpoints rooted at baseURL. An empty baseURL means
// DefaultBaseURL.
func NewEndpoints(baseURL string) Endpoints {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return Endpoints{base: strings.TrimRight(baseURL, "/")}
}

// Base returns the host root, without a trailing slash.
func (e Endpoints) Base() string { return e.base }

// Browse returns the company browse endpoint. Query parameters are passed
// separately so each call builds its own parameter set.
func (e Endpoints) Browse() string { return e.base + browsePath }

// CompanyTickers returns the ticker/title table endpoint.
func (e Endpoints) CompanyTickers() string { return e.base + tickersPath }

// FullIndex returns the quarterly master index URL.
func (e Endpoints) FullIndex(year, quarter int) string {
	return fmt.Sprintf("%s%s/%d/QTR%d/master.idx", e.base, fullIndexDir, year, quarter)
}

// DailyIndex returns the URL of a daily master index file.
func (e Endpoints) DailyIndex(year, quarter int, file string) string {
	return fmt.Sprintf("%s%s/%d/QTR%d/%s", e.base, dailyIndexDir, year, quarter, file)
}

// FeedDir returns the directory listing of the quarter's bulk archives, with
// a trailing slash.
func (e Endpoints) FeedDir(year, quarter int) string {
	return fmt.Sprintf("%s%s/%d/QTR%d/", e.base, feedDir, year, quarter)
}

// FeedArchive returns the bulk archive URL of a single day, named YYYYMMDD.
func (e Endpoints) FeedArchive(year, quarter int, yyyymmdd string) string {
	return e.FeedDir(year, quarter) + yyyymmdd + ".nc.tar.gz"
}

// Document returns the URL of an archived document given its path relative
// to the host root, e.g. "Archives/edgar/data/320193/0000320193-20-000008.txt".
func (e Endpoints) Document(rel string) string {
	return e.base + "/" + strings.TrimPrefix(rel, "/")
}

// --- Query parameters ---

// CompanySearchParams builds the HTML company search query for a ticker or
// company name.
func CompanySearchParams(term string) url.Values {
	v := url.Values{}
	v.Set("action", "getcompany")
	v.Set("company", term)
	v.Set("type", "")
	v.Set("dateb", "")
	v.Set("owner", "include")
	v.Set("count", strconv.Itoa(ListingPageSize))
	return v
}

// CompanyListingParams builds one page of the Atom filing listing for cik.
// formType may be empty for all forms; dateb is an optional "YYYYMMDD" upper
// bound on the filing date.
func CompanyListingParams(cik, formType, dateb string, start int) url.Values {
	v := url.Values{}
	v.Set("action", "getcompany")
	v.Set("CIK", cik)
	v.Set("type", formType)
	v.Set("dateb", dateb)
	v.Set("owner", "include")
	v.Set("count", strconv.Itoa(ListingPageSize))
	v.Set("start", strconv.Itoa(start))
	v.Set("output", "atom")
	return v
}

// --- Wire shapes ---

// TickerEntry is a row of company_tickers.json. The file is a JSON object
// keyed by row number: {"0": {"cik_str": 320193, "ticker": "AAPL", ...}}.
type TickerEntry struct {
	CIK    int64  `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// PaddedCIK returns the entry's CIK as 10 digits.
func (t TickerEntry) PaddedCIK() string {
	return fmt.Sprintf("%010d", t.CIK)
}

// Tags inside the <content> element of an Atom listing entry.
const (
	ListingFieldAccession  = "accession-number"
	ListingFieldFilingDate = "filing-date"
	ListingFieldFilingType = "filing-type"
)

// AccessionFromID extracts the accession number from an Atom entry id such as
// "urn:tag:sec.gov,2008:accession-number=0000320193-20-000096".
func AccessionFromID(id string) string {
	if i := strings.LastIndex(id, "="); i >= 0 {
		return id[i+1:]
	}
	return ""
}

// ArchivePath returns the path of a full submission text file relative to
// the host root, as listed in the master indexes.
func ArchivePath(cik, accession string) string {
	return "edgar/data/" + utils.TrimCIK(cik) + "/" + accession + ".txt"
}
