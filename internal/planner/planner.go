// Package planner decomposes a date range into the fewest index fetches: full
// quarters where possible, a clipped quarterly index for long partial spans,
// and daily indexes for short ones.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/pkg/models"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// DefaultBalancingPoint is the partial-quarter span, in days, above which a
// clipped quarterly index is cheaper than daily indexes.
const DefaultBalancingPoint = 30

// ErrInvalidRange is returned when end precedes start.
var ErrInvalidRange = errors.New("end date before start date")

// Directive is one index fetch. From and To are the inclusive days of the
// range the directive is responsible for; Filter already enforces them.
type Directive struct {
	Period index.Period
	From   time.Time
	To     time.Time
	Filter index.Filter
}

func (d Directive) String() string {
	if d.Period.Granularity == index.Daily {
		return d.Period.String()
	}
	return fmt.Sprintf("%s [%s..%s]", d.Period, utils.FormatDate(d.From), utils.FormatDate(d.To))
}

// Plan sweeps [start, end] one quarter at a time and returns directives in
// chronological order that cover each day exactly once. Each directive's
// filter is conjoined with filter. A balancingPoint of zero selects
// DefaultBalancingPoint.
func Plan(start, end time.Time, balancingPoint int, filter index.Filter) ([]Directive, error) {
	start, end = utils.Day(start), utils.Day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("plan %s..%s: %w", utils.FormatDate(start), utils.FormatDate(end), ErrInvalidRange)
	}
	if balancingPoint < 0 {
		return nil, fmt.Errorf("plan: negative balancing point %d", balancingPoint)
	}
	if balancingPoint == 0 {
		balancingPoint = DefaultBalancingPoint
	}
	if start.Equal(end) {
		return []Directive{daily(start, filter)}, nil
	}

	var out []Directive
	for cur := start; !cur.After(end); {
		year, quarter := cur.Year(), utils.QuarterOf(cur)
		qStart, qEnd := utils.QuarterStart(year, quarter), utils.QuarterEnd(year, quarter)

		to := qEnd
		if end.Before(qEnd) {
			to = end
		}
		span := utils.DaysBetween(cur, to) + 1

		switch {
		case utils.IsQuarterStart(cur) && to.Equal(qEnd):
			out = append(out, Directive{
				Period: index.QuarterPeriod(year, quarter),
				From:   cur,
				To:     to,
				Filter: index.And(filter),
			})
		case span > balancingPoint:
			out = append(out, Directive{
				Period: index.QuarterPeriod(year, quarter),
				From:   cur,
				To:     to,
				Filter: index.And(clip(cur, to, qStart, qEnd), filter),
			})
		default:
			utils.EachDay(cur, to, func(d time.Time) {
				out = append(out, daily(d, filter))
			})
		}
		if to.Before(qEnd) {
			break
		}
		cur = utils.NextQuarterStart(cur)
	}
	return out, nil
}

func daily(d time.Time, filter index.Filter) Directive {
	return Directive{Period: index.DayPeriod(d), From: d, To: d, Filter: index.And(filter)}
}

// clip keeps entries filed within [from, to]. Bounds that coincide with the
// quarter's own bounds are not checked.
func clip(from, to, qStart, qEnd time.Time) index.Filter {
	lower, upper := !from.Equal(qStart), !to.Equal(qEnd)
	return func(e models.FilingEntry) bool {
		d := utils.Day(e.DateFiled)
		if lower && d.Before(from) {
			return false
		}
		if upper && d.After(to) {
			return false
		}
		return true
	}
}

// Count returns the number of quarterly and daily directives in ds.
func Count(ds []Directive) (quarterly, daily int) {
	for _, d := range ds {
		if d.Period.Granularity == index.Daily {
			daily++
		} else {
			quarterly++
		}
	}
	return quarterly, daily
}
