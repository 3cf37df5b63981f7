package model

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// DateWindow is the calendar window of a backfill run in UTC. Start is the
// first instant of the start date and End the last nanosecond of the end date.
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// NewDateWindow parses two YYYY-MM-DD dates as UTC.
func NewDateWindow(startDate, endDate string) (DateWindow, error) {
	start, err := time.ParseInLocation(DateLayout, startDate, time.UTC)
	if err != nil {
		return DateWindow{}, fmt.Errorf("parse start date %q: %w", startDate, err)
	}
	end, err := time.ParseInLocation(DateLayout, endDate, time.UTC)
	if err != nil {
		return DateWindow{}, fmt.Errorf("parse end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return DateWindow{}, fmt.Errorf("end date %s is before start date %s", endDate, startDate)
	}
	return DateWindow{
		Start: start,
		End:   end.AddDate(0, 0, 1).Add(-time.Nanosecond),
	}, nil
}

// Contains reports whether t lies in [Start, End].
func (w DateWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Hours returns every whole UTC hour from Start to End inclusive.
func (w DateWindow) Hours() []time.Time {
	var hours []time.Time
	for h := w.Start.Truncate(time.Hour); !h.After(w.End); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}
	return hours
}

func (w DateWindow) String() string {
	return w.Start.Format(time.RFC3339) + ".." + w.End.Format(time.RFC3339)
}
