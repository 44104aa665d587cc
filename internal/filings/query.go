package filings

import (
	"fmt"
	"strings"
	"time"

	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/internal/planner"
	"github.com/seenimoa/edgarsync/pkg/models"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// Mode selects how filings are located.
type Mode string

const (
	ModeCompany   Mode = "company"   // per-company Atom listing
	ModeDaily     Mode = "daily"     // one daily index
	ModeQuarterly Mode = "quarterly" // one full quarterly index
	ModeRange     Mode = "range"     // planned mix of quarterly and daily indexes
)

// Modes lists every retrieval mode.
var Modes = []Mode{ModeCompany, ModeDaily, ModeQuarterly, ModeRange}

// Match selects how Query.FormType is compared with an entry's form type.
type Match int

const (
	// MatchExact accepts the form type itself, case-insensitively.
	MatchExact Match = iota
	// MatchAmendments also accepts "/A" amendments of the form type.
	MatchAmendments
	// MatchPrefix accepts every form type starting with FormType, the way
	// the upstream company listing filters.
	MatchPrefix
)

// ParseMatch parses "exact", "amendments" or "prefix".
func ParseMatch(s string) (Match, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact":
		return MatchExact, nil
	case "amendments", "amend":
		return MatchAmendments, nil
	case "prefix":
		return MatchPrefix, nil
	}
	return MatchExact, fmt.Errorf("unknown form match %q (want exact, amendments or prefix)", s)
}

func (m Match) String() string {
	switch m {
	case MatchAmendments:
		return "amendments"
	case MatchPrefix:
		return "prefix"
	default:
		return "exact"
	}
}

// Accepts reports whether formType satisfies want under m. An empty want
// accepts everything.
func (m Match) Accepts(want, formType string) bool {
	if want == "" {
		return true
	}
	want, got := strings.ToUpper(strings.TrimSpace(want)), strings.ToUpper(strings.TrimSpace(formType))
	switch m {
	case MatchAmendments:
		return got == want || got == want+"/A"
	case MatchPrefix:
		return strings.HasPrefix(got, want)
	default:
		return got == want
	}
}

// Query describes one Save call. Which fields apply depends on Mode:
//
//	company:   Terms (required), FormType, Match, Start, End, Limit
//	daily:     Date
//	quarterly: Year, Quarter
//	range:     Start, End (defaults to today)
//
// Index modes also honour Terms as a CIK filter. Filter, Limit and Bulk apply
// to every mode.
type Query struct {
	Mode     Mode
	Terms    []string
	FormType string
	Match    Match
	Start    time.Time
	End      time.Time
	Year     int
	Quarter  int
	Date     time.Time
	Filter   index.Filter
	Limit    int
	Bulk     bool
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(string(q.Mode))
	if len(q.Terms) > 0 {
		fmt.Fprintf(&b, " terms=%s", strings.Join(q.Terms, ","))
	}
	if q.FormType != "" {
		fmt.Fprintf(&b, " form=%s(%s)", q.FormType, q.Match)
	}
	switch q.Mode {
	case ModeDaily:
		fmt.Fprintf(&b, " date=%s", utils.FormatDate(q.Date))
	case ModeQuarterly:
		fmt.Fprintf(&b, " quarter=%dQ%d", q.Year, q.Quarter)
	default:
		if !q.Start.IsZero() {
			fmt.Fprintf(&b, " start=%s", utils.FormatDate(q.Start))
		}
		if !q.End.IsZero() {
			fmt.Fprintf(&b, " end=%s", utils.FormatDate(q.End))
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit=%d", q.Limit)
	}
	return b.String()
}

// Report describes what Save did.
type Report struct {
	Mode       Mode
	Directives []planner.Directive
	Entries    []models.FilingEntry
	Files      []string
	Skipped    map[string]error // per-term resolution failures
}

// NoResultsError is returned when a query accepted no filings.
type NoResultsError struct {
	Query Query
}

func (e *NoResultsError) Error() string {
	return fmt.Sprintf("no filings found for %s", e.Query)
}

// ErrUnknownMode is returned by Save for a mode without a strategy.
type ErrUnknownMode struct {
	Mode Mode
}

func (e *ErrUnknownMode) Error() string {
	modes := make([]string, len(Modes))
	for i, m := range Modes {
		modes[i] = string(m)
	}
	return fmt.Sprintf("unknown retrieval mode %q (want %s)", e.Mode, strings.Join(modes, ", "))
}
