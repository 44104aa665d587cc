package planner

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/pkg/models"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func filedOn(d time.Time) models.FilingEntry {
	return models.FilingEntry{CIK: "0000320193", FormType: "10-Q", DateFiled: d}
}

func TestPlanSingleDay(t *testing.T) {
	ds, err := Plan(day("2020-12-10"), day("2020-12-10"), DefaultBalancingPoint, nil)
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if q, d := Count(ds); q != 0 || d != 1 {
		t.Fatalf("got %d quarterly / %d daily, want 0/1", q, d)
	}
	if !ds[0].Period.Date.Equal(day("2020-12-10")) {
		t.Errorf("daily directive for %v", ds[0].Period.Date)
	}
}

func TestPlanQuarterAligned(t *testing.T) {
	ds, err := Plan(day("2020-01-01"), day("2020-03-31"), DefaultBalancingPoint, nil)
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("got %d directives, want 1: %v", len(ds), ds)
	}
	d := ds[0]
	if d.Period != index.QuarterPeriod(2020, 1) {
		t.Errorf("period = %+v, want 2020 Q1", d.Period)
	}
	for _, s := range []string{"2020-01-01", "2020-02-15", "2020-03-31"} {
		if !d.Filter(filedOn(day(s))) {
			t.Errorf("full-quarter directive rejected %s", s)
		}
	}
}

func TestPlanShapes(t *testing.T) {
	tests := []struct {
		name          string
		start, end    string
		wantQuarterly int
		wantDaily     int
	}{
		{"two full quarters", "2020-01-01", "2020-06-30", 2, 0},
		{"short tail becomes dailies", "2020-01-01", "2020-04-10", 1, 10},
		{"long tail becomes clipped quarter", "2020-01-01", "2020-05-20", 2, 0},
		{"short head becomes dailies", "2020-03-20", "2020-06-30", 1, 12},
		{"long head becomes clipped quarter", "2020-02-01", "2020-06-30", 2, 0},
		{"inside one quarter, short", "2020-02-01", "2020-02-20", 0, 20},
		{"inside one quarter, long", "2020-01-15", "2020-03-20", 1, 0},
		{"year boundary", "2019-12-25", "2020-01-05", 0, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Plan(day(tt.start), day(tt.end), DefaultBalancingPoint, nil)
			if err != nil {
				t.Fatalf("Plan() error: %v", err)
			}
			q, d := Count(ds)
			if q != tt.wantQuarterly || d != tt.wantDaily {
				t.Errorf("got %d quarterly / %d daily, want %d/%d: %v", q, d, tt.wantQuarterly, tt.wantDaily, ds)
			}
		})
	}
}

func TestPlanClippedPredicates(t *testing.T) {
	ds, err := Plan(day("2020-01-15"), day("2020-03-20"), DefaultBalancingPoint, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 {
		t.Fatalf("got %v", ds)
	}
	f := ds[0].Filter
	tests := []struct {
		date string
		want bool
	}{
		{"2020-01-14", false},
		{"2020-01-15", true},
		{"2020-02-29", true},
		{"2020-03-20", true},
		{"2020-03-21", false},
	}
	for _, tt := range tests {
		if got := f(filedOn(day(tt.date))); got != tt.want {
			t.Errorf("filter(%s) = %v, want %v", tt.date, got, tt.want)
		}
	}
}

func TestPlanConjoinsFilter(t *testing.T) {
	only10K := func(e models.FilingEntry) bool { return e.FormType == "10-K" }
	ds, err := Plan(day("2020-01-01"), day("2020-01-03"), DefaultBalancingPoint, only10K)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range ds {
		if d.Filter(filedOn(d.From)) {
			t.Errorf("%v accepted a 10-Q through a 10-K filter", d)
		}
	}

	ds, err = Plan(day("2020-01-01"), day("2020-12-31"), DefaultBalancingPoint, only10K)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range ds {
		if d.Filter(filedOn(d.From)) {
			t.Errorf("%v accepted a 10-Q through a 10-K filter", d)
		}
	}
}

func TestPlanBalancingPoint(t *testing.T) {
	// 10 days of tail: a balancing point of 5 turns it into a clipped quarter.
	ds, err := Plan(day("2020-01-01"), day("2020-04-10"), 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if q, d := Count(ds); q != 2 || d != 0 {
		t.Errorf("got %d quarterly / %d daily, want 2/0", q, d)
	}
}

func TestPlanInvalid(t *testing.T) {
	if _, err := Plan(day("2020-02-01"), day("2020-01-01"), 30, nil); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("reversed range error = %v, want ErrInvalidRange", err)
	}
	if _, err := Plan(day("2020-01-01"), day("2020-02-01"), -1, nil); err == nil {
		t.Error("negative balancing point must fail")
	}
}

// TestPlanCoversRangeExactlyOnce checks the decomposition over many random
// ranges: directives are contiguous, chronological, and each day of the
// range is accepted by exactly one directive.
func TestPlanCoversRangeExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(20201210))
	origin := day("1994-01-01")
	const spanDays = 30 * 365

	for i := 0; i < 300; i++ {
		a := origin.AddDate(0, 0, rng.Intn(spanDays))
		b := a.AddDate(0, 0, rng.Intn(500))
		bp := rng.Intn(60)

		ds, err := Plan(a, b, bp, nil)
		if err != nil {
			t.Fatalf("Plan(%s, %s) error: %v", utils.FormatDate(a), utils.FormatDate(b), err)
		}
		if len(ds) == 0 {
			t.Fatalf("Plan(%s, %s) returned nothing", utils.FormatDate(a), utils.FormatDate(b))
		}
		if !ds[0].From.Equal(a) || !ds[len(ds)-1].To.Equal(b) {
			t.Fatalf("Plan(%s, %s) covers %s..%s", utils.FormatDate(a), utils.FormatDate(b),
				utils.FormatDate(ds[0].From), utils.FormatDate(ds[len(ds)-1].To))
		}

		for j, d := range ds {
			if j > 0 && !d.From.Equal(ds[j-1].To.AddDate(0, 0, 1)) {
				t.Fatalf("gap or overlap between %v and %v", ds[j-1], d)
			}
			if d.To.Before(d.From) {
				t.Fatalf("empty directive %v", d)
			}
			if !within(d.From, d.Period) || !within(d.To, d.Period) {
				t.Fatalf("%v covers days outside its period", d)
			}
			if d.Period.Granularity == index.Quarterly {
				q := d.Period
				if before := d.From.AddDate(0, 0, -1); !before.Before(q.Start()) && d.Filter(filedOn(before)) {
					t.Fatalf("%v accepts day before its range", d)
				}
				if after := d.To.AddDate(0, 0, 1); !after.After(q.End()) && d.Filter(filedOn(after)) {
					t.Fatalf("%v accepts day after its range", d)
				}
				if !d.Filter(filedOn(d.From)) || !d.Filter(filedOn(d.To)) {
					t.Fatalf("%v rejects its own bounds", d)
				}
			}
		}
	}
}

func within(d time.Time, p index.Period) bool {
	return !d.Before(p.Start()) && !d.After(p.End())
}
