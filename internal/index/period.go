package index

import (
	"fmt"
	"time"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// Granularity is the span one index file covers.
type Granularity int

const (
	// Quarterly is a full index covering one calendar quarter.
	Quarterly Granularity = iota
	// Daily is a daily index covering one business day.
	Daily
)

func (g Granularity) String() string {
	if g == Daily {
		return "daily"
	}
	return "quarterly"
}

// Period identifies one upstream index file: a calendar quarter or a single
// day.
type Period struct {
	Granularity Granularity
	Year        int
	Quarter     int
	Date        time.Time // set for daily periods only
}

// QuarterPeriod returns the period for the given quarter.
func QuarterPeriod(year, quarter int) Period {
	return Period{Granularity: Quarterly, Year: year, Quarter: quarter}
}

// DayPeriod returns the period for the calendar day of t.
func DayPeriod(t time.Time) Period {
	d := utils.Day(t)
	return Period{Granularity: Daily, Year: d.Year(), Quarter: utils.QuarterOf(d), Date: d}
}

// Validate reports whether p names a real quarter.
func (p Period) Validate() error {
	if p.Quarter < 1 || p.Quarter > 4 {
		return fmt.Errorf("invalid quarter %d", p.Quarter)
	}
	if p.Year < 1993 {
		return fmt.Errorf("invalid year %d: EDGAR indexes start in 1993", p.Year)
	}
	return nil
}

// Start returns the first day the period covers.
func (p Period) Start() time.Time {
	if p.Granularity == Daily {
		return p.Date
	}
	return utils.QuarterStart(p.Year, p.Quarter)
}

// End returns the last day the period covers.
func (p Period) End() time.Time {
	if p.Granularity == Daily {
		return p.Date
	}
	return utils.QuarterEnd(p.Year, p.Quarter)
}

// Dir returns the upstream index directory of the period, relative to the
// index root: "2020/QTR1".
func (p Period) Dir() string {
	return fmt.Sprintf("%d/QTR%d", p.Year, p.Quarter)
}

// dailyNameFormats picks the date format of daily index file names. Upstream
// changed the naming twice.
var dailyNameFormats = []struct {
	before int // first year the format no longer applies
	layout string
}{
	{1995, "010206"},    // MMDDYY
	{1999, "060102"},    // YYMMDD
	{10000, "20060102"}, // YYYYMMDD
}

// IndexFile returns the master index file name of the period.
func (p Period) IndexFile() string {
	if p.Granularity == Quarterly {
		return "master.idx"
	}
	for _, f := range dailyNameFormats {
		if p.Date.Year() < f.before {
			return "master." + p.Date.Format(f.layout) + ".idx"
		}
	}
	return "master." + p.Date.Format("20060102") + ".idx"
}

// URL returns the absolute index URL of the period.
func (p Period) URL(e edgar.Endpoints) string {
	if p.Granularity == Daily {
		return e.DailyIndex(p.Year, p.Quarter, p.IndexFile())
	}
	return e.FullIndex(p.Year, p.Quarter)
}

func (p Period) String() string {
	if p.Granularity == Daily {
		return utils.FormatDate(p.Date)
	}
	return fmt.Sprintf("%d Q%d", p.Year, p.Quarter)
}
