package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/execguard/errs"
)

// Window is a weekly trading session in a fixed time zone. A zero Window is always open.
type Window struct {
	Location *time.Location
	Days     []time.Weekday
	// Open and Close are minutes after local midnight.
	Open  int
	Close int
}

// ParseWindow builds a Window from "HH:MM" bounds and weekday names. Empty bounds yield an always-open window.
func ParseWindow(zone, open, close string, days []string) (Window, error) {
	var w Window
	loc := time.UTC
	if zone = strings.TrimSpace(zone); zone != "" {
		var err error
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return Window{}, errs.New(component, errs.CodeInvalid,
				errs.WithMessage("unknown time zone"), errs.WithField("zone", zone), errs.WithCause(err))
		}
	}
	w.Location = loc
	if strings.TrimSpace(open) == "" && strings.TrimSpace(close) == "" {
		return w, nil
	}
	var err error
	if w.Open, err = parseClock(open); err != nil {
		return Window{}, err
	}
	if w.Close, err = parseClock(close); err != nil {
		return Window{}, err
	}
	if w.Close <= w.Open {
		return Window{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("window close must be after open"),
			errs.WithField("open", open), errs.WithField("close", close))
	}
	for _, name := range days {
		day, ok := parseWeekday(name)
		if !ok {
			return Window{}, errs.New(component, errs.CodeInvalid,
				errs.WithMessage("unknown weekday"), errs.WithField("day", name))
		}
		w.Days = append(w.Days, day)
	}
	if len(w.Days) == 0 {
		w.Days = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	return w, nil
}

// Contains reports whether ts falls inside the session.
func (w Window) Contains(ts time.Time) bool {
	if w.Open == 0 && w.Close == 0 {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	if len(w.Days) > 0 {
		match := false
		for _, day := range w.Days {
			if local.Weekday() == day {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= w.Open && minute < w.Close
}

func parseClock(value string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("expected HH:MM"), errs.WithField("value", value))
	}
	return hh*60 + mm, nil
}

func parseWeekday(name string) (time.Weekday, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if len(key) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.HasPrefix(strings.ToLower(d.String()), key[:3]) {
			return d, true
		}
	}
	return 0, false
}
